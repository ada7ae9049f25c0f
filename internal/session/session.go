// Package session holds the explicit state of one named model while it is
// trained or used for generation. A Session is created by the trainer or
// by a checkpoint load and passed by reference to whoever needs it.
package session

import (
	"errors"
	"fmt"
	"time"

	"nextword/internal/model"
	"nextword/internal/tokenizer"
)

// ErrVocabularyMismatch means stored metadata, vocabulary, model shape or
// the live corpus disagree. Training on mismatched ids is never attempted.
var ErrVocabularyMismatch = errors.New("vocabulary mismatch")

// Metadata is the training metadata persisted next to every snapshot.
// TotalWords and MaxSequenceLength are fixed by the first run of a model.
type Metadata struct {
	TotalWords         int        `json:"total_words"`
	MaxSequenceLength  int        `json:"max_sequence_length"`
	LastCompletedEpoch int        `json:"last_completed_epoch"`
	BestLoss           *float64   `json:"best_loss,omitempty"`
	BestEpoch          int        `json:"best_epoch,omitempty"`
	CorpusFingerprint  string     `json:"corpus_fingerprint"`
	Model              model.Spec `json:"model"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Check verifies that the metadata describes vocab and a model built from
// it.
func (m Metadata) Check(vocab *tokenizer.Vocabulary) error {
	if vocab.Size() != m.TotalWords {
		return fmt.Errorf("%w: vocabulary has %d entries, metadata records %d", ErrVocabularyMismatch, vocab.Size(), m.TotalWords)
	}
	if m.Model.VocabSize != m.TotalWords {
		return fmt.Errorf("%w: model vocab_size %d, metadata records %d words", ErrVocabularyMismatch, m.Model.VocabSize, m.TotalWords)
	}
	if m.Model.InputWidth != m.MaxSequenceLength-1 {
		return fmt.Errorf("%w: model input_width %d does not fit max_sequence_length %d", ErrVocabularyMismatch, m.Model.InputWidth, m.MaxSequenceLength)
	}
	return nil
}

// Improves reports whether loss beats the recorded best by more than minDelta.
func (m Metadata) Improves(loss, minDelta float64) bool {
	return m.BestLoss == nil || loss < *m.BestLoss-minDelta
}

// Session is a loaded model together with the vocabulary and metadata it
// was trained with.
type Session struct {
	Name  string
	Model model.State
	Vocab *tokenizer.Vocabulary
	Meta  Metadata
}

// Validate checks that the model, vocabulary and metadata belong together.
func (s *Session) Validate() error {
	if s.Model == nil || s.Vocab == nil {
		return fmt.Errorf("session %q is incomplete", s.Name)
	}
	if err := s.Meta.Check(s.Vocab); err != nil {
		return err
	}
	if spec := s.Model.Spec(); spec.VocabSize != s.Meta.Model.VocabSize || spec.InputWidth != s.Meta.Model.InputWidth {
		return fmt.Errorf("%w: model state is %dx%d, metadata expects %dx%d", ErrVocabularyMismatch,
			spec.VocabSize, spec.InputWidth, s.Meta.Model.VocabSize, s.Meta.Model.InputWidth)
	}
	return nil
}

// InputWidth is the number of ids the model reads per prediction.
func (s *Session) InputWidth() int {
	return s.Meta.MaxSequenceLength - 1
}

// Fingerprint formats a tokenizer.Fingerprint for Metadata.CorpusFingerprint.
func Fingerprint(corpus []string) string {
	return fmt.Sprintf("%016x", tokenizer.Fingerprint(corpus))
}
