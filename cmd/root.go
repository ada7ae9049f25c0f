package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"nextword/internal/checkpoint"
	"nextword/internal/config"
	"nextword/internal/logger"
	"nextword/internal/lstm"
	"nextword/internal/mlp"
	"nextword/internal/model"
)

var (
	configFile    string
	logLevel      string
	logFormat     string
	checkpointDir string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nextword",
	Short: "train and query a minimal next-word language model",
	Long: `nextword trains a small word-level model (LSTM or MLP) on a line-oriented corpus,
checkpoints it under a model name, resumes interrupted training, and
extends seed text by greedy next-word prediction.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", "", "directory holding one subdirectory per model")

	rootCmd.AddCommand(trainCmd, generateCmd, inspectCmd, demoCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = logFormat
	}
	if flags.Changed("checkpoint-dir") {
		c.CheckpointDir = checkpointDir
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Setup(c.Log.Level, c.Log.Format)
	cfg = c
	return nil
}

func openStore(name string) (*checkpoint.Store, error) {
	return checkpoint.Open(cfg.CheckpointDir, name, buildModel)
}

// buildModel is the model.Factory of the CLI. Spec.Arch is stored with the
// model, so a stored model is rebuilt with the architecture it was trained with.
func buildModel(spec model.Spec) (model.State, error) {
	switch spec.Arch {
	case "", "lstm":
		return lstm.New(spec)
	case "mlp":
		return mlp.New(spec)
	default:
		return nil, fmt.Errorf("unknown model architecture %q", spec.Arch)
	}
}

// readCorpus returns the non-blank lines of path.
func readCorpus(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return lines, nil
}
