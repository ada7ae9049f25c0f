// Package generate extends a seed text one word at a time by greedy
// decoding with a trained model.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nextword/internal/checkpoint"
	"nextword/internal/dataset"
	"nextword/internal/logger"
	"nextword/internal/metrics"
	"nextword/internal/session"
)

// ErrModelNotTrained means no session was supplied and the store holds no
// usable snapshot.
var ErrModelNotTrained = errors.New("model not trained")

type Generator struct {
	sess  *session.Session
	store *checkpoint.Store
	opts  checkpoint.LoadOptions
}

type Option func(*Generator)

// WithSession uses an in-memory session instead of loading one.
func WithSession(sess *session.Session) Option {
	return func(g *Generator) { g.sess = sess }
}

// AtEpoch loads the periodic snapshot of the given epoch.
func AtEpoch(epoch int) Option {
	return func(g *Generator) { g.opts.Epoch = &epoch }
}

// New returns a generator for the model in store. The session is loaded on
// first use unless WithSession supplies one.
func New(store *checkpoint.Store, opts ...Option) *Generator {
	g := &Generator{store: store}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Session returns the session in use, loading it if needed.
func (g *Generator) Session(ctx context.Context) (*session.Session, error) {
	if g.sess != nil {
		return g.sess, nil
	}
	if g.store == nil {
		return nil, ErrModelNotTrained
	}
	sess, e, err := g.store.Load(ctx, g.opts)
	if err != nil {
		if errors.Is(err, checkpoint.ErrCheckpointNotFound) && g.opts.Epoch == nil {
			return nil, fmt.Errorf("%w: %v", ErrModelNotTrained, err)
		}
		return nil, err
	}
	logger.Log.Debug("Generator loaded snapshot", "model", sess.Name, "kind", string(e.Kind), "epoch", e.Epoch)
	g.sess = sess
	return sess, nil
}

// Generate appends up to n predicted words to seed. Each step feeds the
// last InputWidth known ids of the text so far, left-padded, and picks the
// most probable id (lowest id on ties). Generation stops early when the
// model predicts an id with no word, such as padding.
func (g *Generator) Generate(ctx context.Context, seed string, n int) (string, error) {
	sess, err := g.Session(ctx)
	if err != nil {
		return "", err
	}
	width := sess.InputWidth()

	var b strings.Builder
	b.WriteString(seed)
	ids := sess.Vocab.Encode(seed)
	added := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		probs, err := sess.Model.Predict(ctx, dataset.PadLeft(ids, width))
		if err != nil {
			metrics.RecordComputeFault(sess.Name)
			return b.String(), fmt.Errorf("predict word %d: %w", i+1, err)
		}
		next := argmax(probs)
		word, ok := sess.Vocab.Word(next)
		if !ok {
			break
		}
		b.WriteString(" ")
		b.WriteString(word)
		ids = append(ids, next)
		added++
	}
	metrics.RecordGenerated(sess.Name, added)
	return b.String(), nil
}

func argmax(probs []float64) int {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best
}
