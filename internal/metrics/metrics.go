package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every nextword metric. It is written to a textfile in the
// model directory rather than served over HTTP.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	EpochsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nextword_epochs_completed_total",
		Help: "Training epochs finished",
	}, []string{"model"})

	TrainingLoss = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextword_training_loss",
		Help: "Mean training loss of the most recent epoch",
	}, []string{"model"})

	BestLoss = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextword_best_loss",
		Help: "Lowest epoch loss recorded for the model",
	}, []string{"model"})

	LastEpoch = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nextword_last_completed_epoch",
		Help: "Highest epoch with a durable snapshot",
	}, []string{"model"})

	EpochDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nextword_epoch_duration_seconds",
		Help:    "Wall time of one training epoch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"model"})

	CheckpointWrites = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nextword_checkpoint_writes_total",
		Help: "Snapshots published, by kind",
	}, []string{"model", "kind"})

	ComputeFaults = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nextword_compute_faults_total",
		Help: "Epochs or predictions aborted by the ML library",
	}, []string{"model"})

	GeneratedTokens = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "nextword_generated_tokens_total",
		Help: "Words appended by greedy generation",
	}, []string{"model"})
)

func RecordEpoch(model string, loss float64, d time.Duration) {
	EpochsCompleted.WithLabelValues(model).Inc()
	TrainingLoss.WithLabelValues(model).Set(loss)
	EpochDuration.WithLabelValues(model).Observe(d.Seconds())
}

func RecordBest(model string, loss float64) {
	BestLoss.WithLabelValues(model).Set(loss)
}

func RecordCheckpoint(model, kind string, epoch int) {
	CheckpointWrites.WithLabelValues(model, kind).Inc()
	if kind == "periodic" {
		LastEpoch.WithLabelValues(model).Set(float64(epoch))
	}
}

func RecordComputeFault(model string) {
	ComputeFaults.WithLabelValues(model).Inc()
}

func RecordGenerated(model string, tokens int) {
	GeneratedTokens.WithLabelValues(model).Add(float64(tokens))
}

// WriteTextfile writes the registry in the text exposition format, for
// node_exporter's textfile collector or for inspection.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
