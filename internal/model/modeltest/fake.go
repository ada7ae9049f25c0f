// Package modeltest provides a deterministic model.State for tests that
// exercise training orchestration and checkpointing without an ML library.
package modeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"nextword/internal/model"
)

// Fake learns a bigram table (last non-padding input id -> most frequent
// label) and reports a scripted loss per epoch. Its trained epoch count is
// part of the serialized state, so a restored Fake continues the script
// where the snapshot left off.
type Fake struct {
	spec   model.Spec
	script func(epoch int) float64
	failAt int
	calls  *int

	Epochs int                 `json:"epochs"`
	Table  map[int]map[int]int `json:"table"`
}

type Option func(*Fake)

// WithLosses makes epoch n (1-based) report script(n).
func WithLosses(script func(epoch int) float64) Option {
	return func(f *Fake) { f.script = script }
}

// FailAt makes the given epoch return model.ErrComputeFault.
func FailAt(epoch int) Option {
	return func(f *Fake) { f.failAt = epoch }
}

// CountCalls increments *n on every TrainEpoch call.
func CountCalls(n *int) Option {
	return func(f *Fake) { f.calls = n }
}

// Factory returns a model.Factory producing Fakes configured with opts.
func Factory(opts ...Option) model.Factory {
	return func(spec model.Spec) (model.State, error) {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		f := &Fake{
			spec:   spec,
			script: Decreasing,
			Table:  make(map[int]map[int]int),
		}
		for _, o := range opts {
			o(f)
		}
		return f, nil
	}
}

// Decreasing is the default script: loss 1/epoch.
func Decreasing(epoch int) float64 { return 1.0 / float64(epoch) }

func (f *Fake) Spec() model.Spec { return f.spec }

func (f *Fake) TrainEpoch(ctx context.Context, features [][]int, labels []int, rng *rand.Rand) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if f.calls != nil {
		*f.calls++
	}
	epoch := f.Epochs + 1
	if f.failAt == epoch {
		return 0, model.Faultf("injected failure at epoch %d", epoch)
	}
	for i, ctxIDs := range features {
		last := lastID(ctxIDs)
		row := f.Table[last]
		if row == nil {
			row = make(map[int]int)
			f.Table[last] = row
		}
		row[labels[i]]++
	}
	f.Epochs = epoch
	return f.script(epoch), nil
}

// Predict puts probability 0.9 on the learned successor of the last input
// id (ties go to the lower id) and spreads the rest evenly.
func (f *Fake) Predict(ctx context.Context, input []int) ([]float64, error) {
	if len(input) != f.spec.InputWidth {
		return nil, model.Faultf("input width %d, model expects %d", len(input), f.spec.InputWidth)
	}
	probs := make([]float64, f.spec.VocabSize)
	best, bestN := 0, 0
	for id, n := range f.Table[lastID(input)] {
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	rest := 0.1 / float64(len(probs)-1)
	for i := range probs {
		probs[i] = rest
	}
	probs[best] = 0.9
	return probs, nil
}

// Set forces the successor of id to next, for generator tests.
func (f *Fake) Set(id, next int) {
	f.Table[id] = map[int]int{next: 1 << 20}
}

func (f *Fake) Serialize() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Fake) Deserialize(data []byte) error {
	var g Fake
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("decode fake state: %w", err)
	}
	if g.Table == nil {
		g.Table = make(map[int]map[int]int)
	}
	f.Epochs, f.Table = g.Epochs, g.Table
	return nil
}

func lastID(ids []int) int {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] != 0 {
			return ids[i]
		}
	}
	return 0
}
