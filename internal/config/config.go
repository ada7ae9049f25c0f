package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nextword/internal/model"
)

type Config struct {
	CheckpointDir string     `yaml:"checkpoint_dir"`
	Log           Log        `yaml:"log"`
	Model         Model      `yaml:"model"`
	Training      Training   `yaml:"training"`
	Generation    Generation `yaml:"generation"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Model struct {
	Arch         string  `yaml:"arch"`
	EmbeddingDim int     `yaml:"embedding_dim"`
	HiddenDim    int     `yaml:"hidden_dim"`
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	Seed         int64   `yaml:"seed"`
}

type Training struct {
	Epochs               int     `yaml:"epochs"`
	CheckpointEvery      int     `yaml:"checkpoint_every"`
	CheckpointEverySteps int     `yaml:"checkpoint_every_steps"`
	Resume               bool    `yaml:"resume"`
	Patience             int     `yaml:"patience"`
	MinDelta             float64 `yaml:"min_delta"`
}

type Generation struct {
	Tokens int `yaml:"tokens"`
}

func Default() *Config {
	return &Config{
		CheckpointDir: "checkpoints",
		Log:           Log{Level: "info", Format: "console"},
		Model: Model{
			Arch:         "lstm",
			EmbeddingDim: 16,
			HiddenDim:    32,
			LearningRate: 0.01,
			BatchSize:    16,
			Seed:         42,
		},
		Training: Training{
			Epochs:          50,
			CheckpointEvery: 5,
			Resume:          true,
			Patience:        0,
			MinDelta:        0,
		},
		Generation: Generation{Tokens: 10},
	}
}

// Load reads path over the defaults. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_dir must not be empty")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	switch c.Model.Arch {
	case "lstm", "mlp":
	default:
		return fmt.Errorf("model.arch must be lstm or mlp, got %q", c.Model.Arch)
	}
	if c.Model.EmbeddingDim <= 0 || c.Model.HiddenDim <= 0 {
		return fmt.Errorf("model dimensions must be greater than 0")
	}
	if c.Model.LearningRate <= 0 {
		return fmt.Errorf("model.learning_rate must be greater than 0")
	}
	if c.Model.BatchSize <= 0 {
		return fmt.Errorf("model.batch_size must be greater than 0")
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be greater than 0")
	}
	if c.Training.CheckpointEvery <= 0 && c.Training.CheckpointEverySteps <= 0 {
		return fmt.Errorf("training.checkpoint_every or training.checkpoint_every_steps must be greater than 0")
	}
	if c.Training.Patience < 0 || c.Training.MinDelta < 0 {
		return fmt.Errorf("training.patience and training.min_delta must not be negative")
	}
	if c.Generation.Tokens < 0 {
		return fmt.Errorf("generation.tokens must not be negative")
	}
	return nil
}

// Spec returns the model hyperparameters. VocabSize and InputWidth are left
// for the trainer to derive from the corpus.
func (m Model) Spec() model.Spec {
	return model.Spec{
		Arch:         m.Arch,
		EmbeddingDim: m.EmbeddingDim,
		HiddenDim:    m.HiddenDim,
		LearningRate: m.LearningRate,
		BatchSize:    m.BatchSize,
		Seed:         m.Seed,
	}
}
