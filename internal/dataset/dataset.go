package dataset

import (
	"fmt"
	"math/rand"

	"nextword/internal/tokenizer"
)

// Sample is one n-gram prefix example: a left-padded context of width W-1
// and the id that follows it.
type Sample struct {
	Context []int
	Target  int
}

// Set is the prepared training data for a corpus. Width is the longest id
// sequence of the corpus; every context is Width-1 ids wide.
type Set struct {
	Samples []Sample
	Width   int
}

// MaxWidth returns the longest encoded line of corpus.
func MaxWidth(corpus []string, v *tokenizer.Vocabulary) int {
	w := 0
	for _, line := range corpus {
		if n := len(v.Encode(line)); n > w {
			w = n
		}
	}
	return w
}

// Prepare expands every line into its prefix examples, padded to the
// corpus-global width.
func Prepare(corpus []string, v *tokenizer.Vocabulary) *Set {
	set, _ := PrepareWidth(corpus, v, MaxWidth(corpus, v))
	return set
}

// PrepareWidth is Prepare with a fixed width, used when resuming a model
// whose width was recorded by an earlier run. A line longer than width is an
// error since its examples would not fit the model input.
func PrepareWidth(corpus []string, v *tokenizer.Vocabulary, width int) (*Set, error) {
	set := &Set{Width: width}
	for i, line := range corpus {
		ids := v.Encode(line)
		if len(ids) > width {
			return nil, fmt.Errorf("line %d has %d tokens, wider than %d", i, len(ids), width)
		}
		// predict ids[n] from ids[:n]
		for n := 1; n < len(ids); n++ {
			set.Samples = append(set.Samples, Sample{
				Context: PadLeft(ids[:n], width-1),
				Target:  ids[n],
			})
		}
	}
	return set, nil
}

// InputWidth is the model input length, Width-1.
func (s *Set) InputWidth() int {
	if s.Width < 1 {
		return 0
	}
	return s.Width - 1
}

// Len is the number of examples.
func (s *Set) Len() int {
	return len(s.Samples)
}

// Features returns the padded context of every example.
func (s *Set) Features() [][]int {
	out := make([][]int, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.Context
	}
	return out
}

// Labels returns the target id of every example.
func (s *Set) Labels() []int {
	out := make([]int, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.Target
	}
	return out
}

// PadLeft fits ids into width: longer input keeps its last width ids,
// shorter input is left-padded with tokenizer.PadID.
func PadLeft(ids []int, width int) []int {
	out := make([]int, width)
	if len(ids) > width {
		ids = ids[len(ids)-width:]
	}
	copy(out[width-len(ids):], ids)
	return out
}

type Batch struct {
	Contexts [][]int
	Targets  []int
}

// MakeBatches shuffles the examples with rng and cuts them into batches of
// exactly min(size, len(features)) rows. The last batch wraps around to the
// start of the shuffled order instead of coming up short, so a model with a
// fixed batch dimension can consume every batch.
func MakeBatches(features [][]int, labels []int, size int, rng *rand.Rand) []Batch {
	n := len(features)
	if n == 0 || size <= 0 {
		return nil
	}
	if size > n {
		size = n
	}
	perm := rng.Perm(n)

	var batches []Batch
	for i := 0; i < n; i += size {
		b := Batch{
			Contexts: make([][]int, size),
			Targets:  make([]int, size),
		}
		for k := 0; k < size; k++ {
			idx := perm[(i+k)%n]
			b.Contexts[k] = features[idx]
			b.Targets[k] = labels[idx]
		}
		batches = append(batches, b)
	}
	return batches
}

// StepsPerEpoch is the number of optimizer steps one epoch takes for n
// examples at the given batch size.
func StepsPerEpoch(n, batch int) int {
	if n == 0 {
		return 0
	}
	if batch <= 0 || batch > n {
		batch = n
	}
	return (n + batch - 1) / batch
}
