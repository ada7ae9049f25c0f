// Package model defines the contract between the trainer and the library
// that owns model parameters, the forward and backward passes, and the
// optimizer. Implementations live in their own packages (see internal/lstm).
package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
)

// ErrComputeFault marks a failure inside the ML library during an epoch or
// an inference call. The current operation is abandoned; durable
// checkpoints are left untouched.
var ErrComputeFault = errors.New("compute fault")

// Spec fixes the shape and hyperparameters of a model. It is stored with
// every checkpoint so a model can be rebuilt before its weights are loaded.
type Spec struct {
	Arch         string  `json:"arch,omitempty"`
	VocabSize    int     `json:"vocab_size"`
	InputWidth   int     `json:"input_width"`
	EmbeddingDim int     `json:"embedding_dim"`
	HiddenDim    int     `json:"hidden_dim"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	Seed         int64   `json:"seed"`
}

func (s Spec) Validate() error {
	if s.VocabSize < 2 {
		return fmt.Errorf("invalid vocab_size: %d (need at least one word plus padding)", s.VocabSize)
	}
	if s.InputWidth <= 0 {
		return fmt.Errorf("invalid input_width: %d (must be positive)", s.InputWidth)
	}
	if s.EmbeddingDim <= 0 {
		return fmt.Errorf("invalid embedding_dim: %d (must be positive)", s.EmbeddingDim)
	}
	if s.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", s.HiddenDim)
	}
	if s.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %v (must be positive)", s.LearningRate)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", s.BatchSize)
	}
	return nil
}

// State is an opaque trainable model.
type State interface {
	Spec() Spec

	// TrainEpoch runs one full pass of gradient updates over the examples,
	// shuffled with rng, and returns the mean training loss.
	TrainEpoch(ctx context.Context, features [][]int, labels []int, rng *rand.Rand) (float64, error)

	// Predict returns a probability distribution over the vocabulary for
	// one input of Spec().InputWidth ids.
	Predict(ctx context.Context, input []int) ([]float64, error)

	Serialize() ([]byte, error)
	Deserialize(data []byte) error
}

// Factory builds an untrained State for spec.
type Factory func(spec Spec) (State, error)

// Faultf wraps a library failure as ErrComputeFault.
func Faultf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrComputeFault, fmt.Sprintf(format, args...))
}
