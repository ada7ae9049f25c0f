package lstm

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"nextword/internal/model"
)

func tinySpec() model.Spec {
	return model.Spec{
		VocabSize:    5,
		InputWidth:   2,
		EmbeddingDim: 4,
		HiddenDim:    6,
		LearningRate: 0.05,
		BatchSize:    2,
		Seed:         7,
	}
}

// the cat sat / the dog ran, as produced by dataset.Prepare
var (
	features = [][]int{{0, 1}, {1, 2}, {0, 1}, {1, 3}}
	labels   = []int{2, 4, 3, 4}
)

func TestTrainEpochReducesLoss(t *testing.T) {
	ctx := context.Background()
	st, err := New(tinySpec())
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(1))
	first, err := st.TrainEpoch(ctx, features, labels, rng)
	if err != nil {
		t.Fatal(err)
	}
	last := first
	for i := 0; i < 60; i++ {
		if last, err = st.TrainEpoch(ctx, features, labels, rng); err != nil {
			t.Fatalf("epoch %d: %v", i+2, err)
		}
	}
	if math.IsNaN(last) || last >= first {
		t.Errorf("loss did not improve: first %.4f, last %.4f", first, last)
	}

	probs, err := st.Predict(ctx, []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(probs) != 5 {
		t.Fatalf("got %d probabilities, want 5", len(probs))
	}
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("probabilities sum to %v", sum)
	}
}

func TestSerializeRestoresPredictions(t *testing.T) {
	ctx := context.Background()
	a, _ := New(tinySpec())
	if _, err := a.TrainEpoch(ctx, features, labels, rand.New(rand.NewSource(1))); err != nil {
		t.Fatal(err)
	}
	blob, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	other := tinySpec()
	other.Seed = 99
	b, _ := New(other)
	if err := b.Deserialize(blob); err != nil {
		t.Fatal(err)
	}

	pa, err := a.Predict(ctx, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	pb, err := b.Predict(ctx, []int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	for i := range pa {
		if math.Abs(pa[i]-pb[i]) > 1e-12 {
			t.Fatalf("prediction %d differs after restore: %v vs %v", i, pa[i], pb[i])
		}
	}
}

func TestDeserializeRejectsOtherShape(t *testing.T) {
	a, _ := New(tinySpec())
	blob, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	wider := tinySpec()
	wider.VocabSize = 9
	b, _ := New(wider)
	if err := b.Deserialize(blob); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestBadInput(t *testing.T) {
	ctx := context.Background()
	st, _ := New(tinySpec())
	if _, err := st.Predict(ctx, []int{1}); err == nil {
		t.Error("short input accepted")
	}
	if _, err := st.Predict(ctx, []int{1, 42}); err == nil {
		t.Error("out of range id accepted")
	}
	if _, err := New(model.Spec{}); err == nil {
		t.Error("zero spec accepted")
	}
}
