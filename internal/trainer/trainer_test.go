package trainer

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"nextword/internal/checkpoint"
	"nextword/internal/model"
	"nextword/internal/model/modeltest"
	"nextword/internal/session"
)

var corpus = []string{
	"the cat sat",
	"the dog ran",
}

func hyper() model.Spec {
	return model.Spec{EmbeddingDim: 2, HiddenDim: 2, LearningRate: 0.1, BatchSize: 2, Seed: 1}
}

func newTrainer(t *testing.T, root string, opts ...modeltest.Option) (*Trainer, *checkpoint.Store) {
	t.Helper()
	f := modeltest.Factory(opts...)
	s, err := checkpoint.Open(root, "demo", f)
	if err != nil {
		t.Fatal(err)
	}
	return New(s, f), s
}

func periodicEpochs(s *checkpoint.Store) []int {
	var out []int
	for _, e := range s.Manifest().Periodic {
		out = append(out, e.Epoch)
	}
	return out
}

func mustTrain(t *testing.T, tr *Trainer, c []string, opts Options) *Result {
	t.Helper()
	res, err := tr.Train(context.Background(), c, opts)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestFreshRun(t *testing.T) {
	root := t.TempDir()
	tr, s := newTrainer(t, root)
	res := mustTrain(t, tr, corpus, Options{Epochs: 5, CheckpointEvery: 2, Model: hyper()})

	if res.State != Complete || res.EpochsRun() != 5 || res.LastEpoch != 5 {
		t.Errorf("result = %+v", res)
	}
	if got, want := periodicEpochs(s), []int{2, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("periodic snapshots at %v, want %v", got, want)
	}
	if f, ok := s.Final(); !ok || f.Epoch != 5 || f.RequestedEpochs != 5 || f.EarlyStopped {
		t.Errorf("final = %+v, %v", f, ok)
	}
	if res.BestEpoch != 5 || res.BestLoss != 0.2 {
		t.Errorf("best = %v at %d", res.BestLoss, res.BestEpoch)
	}
	meta := res.Session.Meta
	if meta.TotalWords != 6 || meta.MaxSequenceLength != 3 || meta.Model.InputWidth != 2 {
		t.Errorf("metadata = %+v", meta)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), metricsFile)); err != nil {
		t.Errorf("metrics textfile: %v", err)
	}
	if h := s.Manifest().History; len(h) != 5 {
		t.Errorf("history has %d records, want 5", len(h))
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	root := t.TempDir()
	tr, _ := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 5, CheckpointEvery: 2, Model: hyper()})

	for _, requested := range []int{5, 3} {
		calls := 0
		tr, s := newTrainer(t, root, modeltest.CountCalls(&calls))
		before := s.Manifest()
		res := mustTrain(t, tr, corpus, Options{Epochs: requested, CheckpointEvery: 2, Resume: true, Model: hyper()})
		if res.State != AlreadyComplete {
			t.Errorf("requested %d: state %s, want %s", requested, res.State, AlreadyComplete)
		}
		if calls != 0 {
			t.Errorf("requested %d: trained %d epochs, want 0", requested, calls)
		}
		if !reflect.DeepEqual(before, s.Manifest()) {
			t.Errorf("requested %d: manifest changed", requested)
		}
	}
}

func TestResumeContinues(t *testing.T) {
	root := t.TempDir()
	tr, _ := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 3, CheckpointEvery: 1, Model: hyper()})

	calls := 0
	tr, s := newTrainer(t, root, modeltest.CountCalls(&calls))
	res := mustTrain(t, tr, corpus, Options{Epochs: 7, CheckpointEvery: 1, Resume: true, Model: hyper()})

	if calls != 4 || res.StartEpoch != 3 || res.LastEpoch != 7 {
		t.Errorf("calls %d, start %d, last %d; want 4, 3, 7", calls, res.StartEpoch, res.LastEpoch)
	}
	if res.Losses[0] != 0.25 {
		t.Errorf("first resumed loss %v, want the epoch 4 loss 0.25", res.Losses[0])
	}
	if got := res.Session.Model.(*modeltest.Fake).Epochs; got != 7 {
		t.Errorf("model trained %d epochs in total, want 7", got)
	}
	if got, want := periodicEpochs(s), []int{1, 2, 3, 4, 5, 6, 7}; !reflect.DeepEqual(got, want) {
		t.Errorf("periodic snapshots at %v, want %v", got, want)
	}
}

func TestEarlyStopping(t *testing.T) {
	root := t.TempDir()
	losses := map[int]float64{1: 1.0, 2: 0.5}
	script := func(epoch int) float64 {
		if l, ok := losses[epoch]; ok {
			return l
		}
		return 0.8
	}
	tr, s := newTrainer(t, root, modeltest.WithLosses(script))
	res := mustTrain(t, tr, corpus, Options{Epochs: 10, CheckpointEvery: 5, Patience: 2, Model: hyper()})

	if !res.EarlyStopped || res.LastEpoch != 4 || res.BestEpoch != 2 {
		t.Fatalf("result = %+v", res)
	}
	f, ok := s.Final()
	if !ok || f.Epoch != 4 || !f.EarlyStopped || f.RequestedEpochs != 10 || f.Loss != 0.5 {
		t.Errorf("final = %+v", f)
	}
	got, _, err := s.Load(context.Background(), checkpoint.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n := got.Model.(*modeltest.Fake).Epochs; n != 2 {
		t.Errorf("final snapshot holds weights after %d epochs, want the best epoch 2", n)
	}
	if got, want := periodicEpochs(s), []int{4}; !reflect.DeepEqual(got, want) {
		t.Errorf("periodic snapshots at %v, want %v", got, want)
	}

	calls := 0
	tr, _ = newTrainer(t, root, modeltest.CountCalls(&calls))
	res = mustTrain(t, tr, corpus, Options{Epochs: 10, CheckpointEvery: 5, Patience: 2, Resume: true, Model: hyper()})
	if res.State != AlreadyComplete || calls != 0 {
		t.Errorf("rerun after early stop: state %s, %d epochs", res.State, calls)
	}
}

func TestComputeFault(t *testing.T) {
	tests := []struct {
		name string
		opt  modeltest.Option
	}{
		{"library error", modeltest.FailAt(3)},
		{"nan loss", modeltest.WithLosses(func(e int) float64 {
			if e == 3 {
				return math.NaN()
			}
			return 1 / float64(e)
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tr, s := newTrainer(t, root, tt.opt)
			res, err := tr.Train(context.Background(), corpus, Options{Epochs: 5, CheckpointEvery: 1, Model: hyper()})
			if !errors.Is(err, model.ErrComputeFault) {
				t.Fatalf("got %v, want ErrComputeFault", err)
			}
			if res.LastEpoch != 2 {
				t.Errorf("last epoch %d, want 2", res.LastEpoch)
			}
			if _, ok := s.Final(); ok {
				t.Error("final snapshot written after a fault")
			}
			if n := s.LastCompletedEpoch(); n != 2 {
				t.Errorf("LastCompletedEpoch = %d, want 2", n)
			}

			calls := 0
			tr, _ = newTrainer(t, root, modeltest.CountCalls(&calls))
			res = mustTrain(t, tr, corpus, Options{Epochs: 5, CheckpointEvery: 1, Resume: true, Model: hyper()})
			if res.StartEpoch != 2 || calls != 3 {
				t.Errorf("resume after fault: start %d, %d epochs", res.StartEpoch, calls)
			}
		})
	}
}

func TestChangedCorpusIsRejected(t *testing.T) {
	root := t.TempDir()
	tr, _ := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 2, CheckpointEvery: 1, Model: hyper()})

	changed := append([]string{"a bird flew"}, corpus...)
	_, err := tr.Train(context.Background(), changed, Options{Epochs: 4, CheckpointEvery: 1, Resume: true, Model: hyper()})
	if !errors.Is(err, session.ErrVocabularyMismatch) {
		t.Errorf("got %v, want ErrVocabularyMismatch", err)
	}
}

func TestUnreadableCheckpointFallsBackToFresh(t *testing.T) {
	root := t.TempDir()
	tr, s := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 2, CheckpointEvery: 1, Model: hyper()})
	for _, e := range s.Manifest().Periodic {
		path := filepath.Join(s.Dir(), e.File)
		if err := os.WriteFile(path, make([]byte, e.Size), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	calls := 0
	tr, _ = newTrainer(t, root, modeltest.CountCalls(&calls))
	res := mustTrain(t, tr, corpus, Options{Epochs: 4, CheckpointEvery: 1, Resume: true, Model: hyper()})
	if res.StartEpoch != 0 || calls != 4 || res.State != Complete {
		t.Errorf("start %d, %d epochs, state %s; want a fresh 4 epoch run", res.StartEpoch, calls, res.State)
	}
}

func TestNoResumeStartsOver(t *testing.T) {
	root := t.TempDir()
	tr, _ := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 3, CheckpointEvery: 1, Model: hyper()})

	calls := 0
	tr, s := newTrainer(t, root, modeltest.CountCalls(&calls))
	res := mustTrain(t, tr, corpus, Options{Epochs: 2, CheckpointEvery: 1, Model: hyper()})
	if calls != 2 || res.StartEpoch != 0 {
		t.Errorf("start %d, %d epochs; want a fresh 2 epoch run", res.StartEpoch, calls)
	}
	if got, want := periodicEpochs(s), []int{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("periodic snapshots at %v, want %v", got, want)
	}
}

func TestStepCadence(t *testing.T) {
	tr, s := newTrainer(t, t.TempDir())
	// four examples at batch size 2 is two steps per epoch
	mustTrain(t, tr, corpus, Options{Epochs: 5, CheckpointEverySteps: 4, Model: hyper()})
	if got, want := periodicEpochs(s), []int{2, 4, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("periodic snapshots at %v, want %v", got, want)
	}
}

func TestBadInput(t *testing.T) {
	tests := []struct {
		name   string
		corpus []string
		opts   Options
	}{
		{"empty corpus", nil, Options{Epochs: 1, CheckpointEvery: 1, Model: hyper()}},
		{"single words", []string{"hello", "world"}, Options{Epochs: 1, CheckpointEvery: 1, Model: hyper()}},
		{"zero epochs", corpus, Options{Epochs: 0, CheckpointEvery: 1, Model: hyper()}},
		{"no cadence", corpus, Options{Epochs: 1, Model: hyper()}},
		{"zero hidden", corpus, Options{Epochs: 1, CheckpointEvery: 1, Model: model.Spec{EmbeddingDim: 2, LearningRate: 0.1, BatchSize: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTrainer(t, t.TempDir())
			if _, err := tr.Train(context.Background(), tt.corpus, tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCancelledContext(t *testing.T) {
	tr, s := newTrainer(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Train(ctx, corpus, Options{Epochs: 3, CheckpointEvery: 1, Model: hyper()})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if _, ok := s.Final(); ok {
		t.Error("final snapshot written after cancellation")
	}
}

func TestDamagedBestDoesNotBlockEarlyStop(t *testing.T) {
	root := t.TempDir()
	tr, s := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 3, CheckpointEvery: 1, Model: hyper()})

	m := s.Manifest()
	other, err := os.ReadFile(filepath.Join(s.Dir(), m.Periodic[0].File))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), m.Best.File), other, 0o644); err != nil {
		t.Fatal(err)
	}

	flat := modeltest.WithLosses(func(int) float64 { return 0.9 })
	tr, s = newTrainer(t, root, flat)
	res := mustTrain(t, tr, corpus, Options{Epochs: 10, CheckpointEvery: 1, Patience: 2, Resume: true, Model: hyper()})
	if res.State != Complete || !res.EarlyStopped || res.LastEpoch != 5 {
		t.Fatalf("result = %+v", res)
	}
	f, ok := s.Final()
	if !ok || f.Epoch != 5 || !f.EarlyStopped || f.Loss != 0.9 {
		t.Errorf("final = %+v, %v", f, ok)
	}
	got, _, err := s.Load(context.Background(), checkpoint.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n := got.Model.(*modeltest.Fake).Epochs; n != 4 {
		t.Errorf("final snapshot holds weights after %d epochs, want the new best epoch 4", n)
	}
}

func TestMissingFinalIsWritten(t *testing.T) {
	root := t.TempDir()
	tr, s := newTrainer(t, root)
	mustTrain(t, tr, corpus, Options{Epochs: 3, CheckpointEvery: 1, Model: hyper()})

	// the process died after the last periodic snapshot
	if err := os.Remove(filepath.Join(s.Dir(), s.Manifest().Final.File)); err != nil {
		t.Fatal(err)
	}

	calls := 0
	tr, s = newTrainer(t, root, modeltest.CountCalls(&calls))
	res := mustTrain(t, tr, corpus, Options{Epochs: 3, CheckpointEvery: 1, Resume: true, Model: hyper()})
	if res.State != AlreadyComplete || calls != 0 {
		t.Errorf("state %s after %d epochs, want %s without training", res.State, calls, AlreadyComplete)
	}
	f, ok := s.Final()
	if !ok || f.Epoch != 3 || f.RequestedEpochs != 3 || f.Loss != 1.0/3 {
		t.Errorf("final = %+v, %v", f, ok)
	}
}
