package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
checkpoint_dir: /tmp/models
log:
  format: json
model:
  arch: mlp
  hidden_dim: 8
training:
  epochs: 12
  checkpoint_every_steps: 100
  patience: 3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CheckpointDir != "/tmp/models" || cfg.Log.Format != "json" {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Model.HiddenDim != 8 || cfg.Model.EmbeddingDim != 16 {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Training.Epochs != 12 || cfg.Training.CheckpointEverySteps != 100 || cfg.Training.Patience != 3 || !cfg.Training.Resume {
		t.Errorf("training = %+v", cfg.Training)
	}
	if spec := cfg.Model.Spec(); spec.Arch != "mlp" || spec.HiddenDim != 8 || spec.VocabSize != 0 {
		t.Errorf("spec = %+v", spec)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Training.Epochs != Default().Training.Epochs {
		t.Errorf("epochs = %d", cfg.Training.Epochs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no dir", func(c *Config) { c.CheckpointDir = "" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"arch", func(c *Config) { c.Model.Arch = "transformer" }},
		{"hidden", func(c *Config) { c.Model.HiddenDim = 0 }},
		{"learning rate", func(c *Config) { c.Model.LearningRate = -1 }},
		{"batch", func(c *Config) { c.Model.BatchSize = 0 }},
		{"epochs", func(c *Config) { c.Training.Epochs = 0 }},
		{"cadence", func(c *Config) { c.Training.CheckpointEvery = 0 }},
		{"patience", func(c *Config) { c.Training.Patience = -1 }},
		{"tokens", func(c *Config) { c.Generation.Tokens = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("model: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("malformed yaml accepted")
	}
}
