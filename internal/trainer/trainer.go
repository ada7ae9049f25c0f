// Package trainer runs the training loop of a named model on top of a
// checkpoint store: it starts fresh or resumes, trains epoch by epoch, and
// publishes periodic, best and final snapshots.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"nextword/internal/checkpoint"
	"nextword/internal/dataset"
	"nextword/internal/logger"
	"nextword/internal/metrics"
	"nextword/internal/model"
	"nextword/internal/session"
	"nextword/internal/tokenizer"
)

type State string

const (
	Fresh           State = "FRESH"
	Resuming        State = "RESUMING"
	Training        State = "TRAINING"
	Complete        State = "COMPLETE"
	AlreadyComplete State = "ALREADY_COMPLETE"
)

const metricsFile = "metrics.prom"

// Options configures one call to Train.
type Options struct {
	// Epochs is the total epoch count the model should reach, counting
	// epochs trained by earlier runs.
	Epochs int

	// CheckpointEvery is the periodic snapshot cadence in epochs.
	// CheckpointEverySteps, when set, takes precedence and is rounded up
	// to whole epochs.
	CheckpointEvery      int
	CheckpointEverySteps int

	Resume bool

	// Patience stops training after that many epochs without an
	// improvement larger than MinDelta. Zero disables early stopping.
	Patience int
	MinDelta float64

	// Model carries the hyperparameters of a fresh model. VocabSize and
	// InputWidth are derived from the corpus.
	Model model.Spec
}

// Result reports what a call to Train did. Losses holds one entry per epoch
// trained by the call.
type Result struct {
	State        State
	Session      *session.Session
	StartEpoch   int
	LastEpoch    int
	Losses       []float64
	BestLoss     float64
	BestEpoch    int
	EarlyStopped bool
}

// EpochsRun is the number of epochs trained by this call.
func (r *Result) EpochsRun() int {
	return len(r.Losses)
}

// Trainer trains the model of one checkpoint store.
type Trainer struct {
	store   *checkpoint.Store
	factory model.Factory
	log     *logger.Logger
}

// New returns a Trainer writing to store. factory builds the model of a
// fresh run.
func New(store *checkpoint.Store, factory model.Factory) *Trainer {
	return &Trainer{
		store:   store,
		factory: factory,
		log:     logger.Log.With("model", store.Name()),
	}
}

// Train brings the model to opts.Epochs total epochs on corpus. A model
// that already reached the target is left untouched and reported as
// AlreadyComplete.
func (t *Trainer) Train(ctx context.Context, corpus []string, opts Options) (*Result, error) {
	if opts.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", opts.Epochs)
	}
	if opts.CheckpointEvery <= 0 && opts.CheckpointEverySteps <= 0 {
		return nil, fmt.Errorf("checkpoint cadence must be positive")
	}

	var (
		sess  *session.Session
		set   *dataset.Set
		start int
		state = Fresh
		err   error
	)

	if opts.Resume && t.store.LastCompletedEpoch() > 0 {
		if done, last := t.alreadyComplete(opts.Epochs); done {
			if err := t.completeFinal(ctx, opts.Epochs); err != nil {
				return nil, err
			}
			t.log.Info("Model already trained", "state", string(AlreadyComplete), "requested", opts.Epochs, "last_epoch", last)
			return &Result{State: AlreadyComplete, StartEpoch: last, LastEpoch: last}, nil
		}
		state = Resuming
		sess, set, start, err = t.resume(ctx, corpus)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrVocabularyMismatch), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			t.log.Warn("Resume failed, starting fresh", "error", err)
			state, sess = Fresh, nil
		}
	}

	if sess == nil {
		if err := t.store.Reset(); err != nil {
			return nil, err
		}
		if sess, set, err = t.fresh(corpus, opts.Model); err != nil {
			return nil, err
		}
		start = 0
	}
	t.log.Info("Starting training", "state", string(state), "from_epoch", start, "to_epoch", opts.Epochs, "examples", set.Len())

	every := opts.CheckpointEvery
	if opts.CheckpointEverySteps > 0 {
		steps := dataset.StepsPerEpoch(set.Len(), sess.Meta.Model.BatchSize)
		every = (opts.CheckpointEverySteps + steps - 1) / steps
	}
	if every < 1 {
		every = 1
	}

	return t.run(ctx, sess, set, start, every, opts)
}

func (t *Trainer) alreadyComplete(requested int) (bool, int) {
	last := t.store.LastCompletedEpoch()
	if requested <= last {
		return true, last
	}
	if f, ok := t.store.Final(); ok && f.RequestedEpochs >= requested {
		return true, f.Epoch
	}
	return false, last
}

// completeFinal writes the final snapshot a run reached its target without,
// which happens when the process died between the last periodic snapshot
// and the final one.
func (t *Trainer) completeFinal(ctx context.Context, requested int) error {
	last := t.store.LastCompletedEpoch()
	if f, ok := t.store.Final(); ok && f.Epoch >= last {
		return nil
	}
	sess, entry, err := t.store.Resume(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		t.log.Warn("Could not write missing final snapshot", "epoch", last, "error", err)
		return nil
	}
	if requested < entry.Epoch {
		requested = entry.Epoch
	}
	if err := t.store.SaveFinal(sess, entry.Epoch, entry.Loss, requested, false); err != nil {
		return err
	}
	metrics.RecordCheckpoint(sess.Name, string(checkpoint.KindFinal), entry.Epoch)
	t.log.Info("Wrote missing final snapshot", "epoch", entry.Epoch)
	return nil
}

func (t *Trainer) resume(ctx context.Context, corpus []string) (*session.Session, *dataset.Set, int, error) {
	sess, entry, err := t.store.Resume(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	if fp := session.Fingerprint(corpus); sess.Meta.CorpusFingerprint != "" && fp != sess.Meta.CorpusFingerprint {
		return nil, nil, 0, fmt.Errorf("%w: corpus changed since the model was created (fingerprint %s, recorded %s)",
			session.ErrVocabularyMismatch, fp, sess.Meta.CorpusFingerprint)
	}
	set, err := dataset.PrepareWidth(corpus, sess.Vocab, sess.Meta.MaxSequenceLength)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: %v", session.ErrVocabularyMismatch, err)
	}
	t.log.Info("Resumed from snapshot", "file", entry.File, "epoch", entry.Epoch)
	return sess, set, entry.Epoch, nil
}

func (t *Trainer) fresh(corpus []string, hp model.Spec) (*session.Session, *dataset.Set, error) {
	vocab := tokenizer.Build(corpus)
	set := dataset.Prepare(corpus, vocab)
	if set.Len() == 0 {
		return nil, nil, fmt.Errorf("corpus has no training examples: need at least one line of two or more words")
	}

	spec := hp
	spec.VocabSize = vocab.Size()
	spec.InputWidth = set.InputWidth()
	st, err := t.factory(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("build model: %w", err)
	}
	sess := &session.Session{
		Name:  t.store.Name(),
		Model: st,
		Vocab: vocab,
		Meta: session.Metadata{
			TotalWords:        vocab.Size(),
			MaxSequenceLength: set.Width,
			CorpusFingerprint: session.Fingerprint(corpus),
			Model:             spec,
		},
	}
	if err := t.store.SaveMetadata(sess); err != nil {
		return nil, nil, err
	}
	t.log.Info("Built vocabulary", "words", vocab.Size(), "max_sequence_length", set.Width)
	return sess, set, nil
}

func (t *Trainer) run(ctx context.Context, sess *session.Session, set *dataset.Set, start, every int, opts Options) (*Result, error) {
	name := sess.Name
	features, labels := set.Features(), set.Labels()
	res := &Result{State: Training, Session: sess, StartEpoch: start, LastEpoch: start}
	if sess.Meta.BestLoss != nil {
		res.BestLoss, res.BestEpoch = *sess.Meta.BestLoss, sess.Meta.BestEpoch
	}

	stale := 0
	for epoch := start + 1; epoch <= opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			t.log.Warn("Training interrupted", "last_epoch", res.LastEpoch)
			return res, fmt.Errorf("interrupted after epoch %d: %w", res.LastEpoch, err)
		}

		began := time.Now()
		rng := rand.New(rand.NewSource(sess.Meta.Model.Seed + int64(epoch)))
		loss, err := sess.Model.TrainEpoch(ctx, features, labels, rng)
		if err == nil && (math.IsNaN(loss) || math.IsInf(loss, 0)) {
			err = model.Faultf("epoch %d produced loss %v", epoch, loss)
		}
		if err != nil {
			if errors.Is(err, model.ErrComputeFault) {
				metrics.RecordComputeFault(name)
			}
			t.log.Error("Epoch failed", "epoch", epoch, "error", err)
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		metrics.RecordEpoch(name, loss, time.Since(began))
		res.Losses = append(res.Losses, loss)
		res.LastEpoch = epoch

		if sess.Meta.Improves(loss, opts.MinDelta) {
			stale = 0
		} else {
			stale++
		}
		saved, err := t.store.SaveBest(sess, epoch, loss)
		if err != nil {
			return res, err
		}
		if saved {
			res.BestLoss, res.BestEpoch = loss, epoch
			metrics.RecordBest(name, loss)
			metrics.RecordCheckpoint(name, string(checkpoint.KindBest), epoch)
		}
		if err := t.store.RecordEpoch(epoch, loss, saved); err != nil {
			return res, err
		}

		stop := opts.Patience > 0 && stale >= opts.Patience
		if epoch%every == 0 || epoch == opts.Epochs || stop {
			if err := t.store.SavePeriodic(sess, epoch, loss); err != nil {
				return res, err
			}
			metrics.RecordCheckpoint(name, string(checkpoint.KindPeriodic), epoch)
			t.log.Debug("Saved snapshot", "epoch", epoch)
		}

		t.log.Info("Epoch complete", "epoch", epoch, "of", opts.Epochs, "loss", loss, "best", saved,
			"elapsed", time.Since(began).Round(time.Millisecond).String())
		t.writeMetrics()

		if stop {
			t.log.Info("Early stopping", "epoch", epoch, "best_epoch", res.BestEpoch, "patience", opts.Patience)
			res.EarlyStopped = true
			break
		}
	}

	var finalLoss float64
	if n := len(res.Losses); n > 0 {
		finalLoss = res.Losses[n-1]
	}
	if res.EarlyStopped {
		best, entry, err := t.store.LoadBest(ctx)
		switch {
		case err == nil:
			sess.Model = best.Model
			finalLoss = entry.Loss
		case ctx.Err() != nil:
			return res, err
		default:
			t.log.Warn("Could not restore best weights, keeping the current ones", "epoch", res.LastEpoch, "error", err)
		}
	}
	if err := t.store.SaveFinal(sess, res.LastEpoch, finalLoss, opts.Epochs, res.EarlyStopped); err != nil {
		return res, err
	}
	metrics.RecordCheckpoint(name, string(checkpoint.KindFinal), res.LastEpoch)
	t.writeMetrics()

	res.State = Complete
	t.log.Info("Training complete", "epochs_run", res.EpochsRun(), "last_epoch", res.LastEpoch, "best_loss", res.BestLoss)
	return res, nil
}

func (t *Trainer) writeMetrics() {
	path := filepath.Join(t.store.Dir(), metricsFile)
	if err := metrics.WriteTextfile(path); err != nil {
		t.log.Warn("Could not write metrics", "path", path, "error", err)
	}
}
