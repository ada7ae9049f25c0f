package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"nextword/internal/generate"
)

var generateFlags struct {
	model  string
	seed   string
	tokens int
	epoch  int
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Extend seed text with greedy next-word prediction",
	Long: `Extend seed text with greedy next-word prediction.

Without --seed every non-blank line of stdin is used as a seed. The final
snapshot is used if present, then the best, then the latest periodic one.`,
	Example: `  nextword generate --model steeping --seed "Great Steeping" --tokens 8
  echo "the parish" | nextword generate --model steeping --epoch 50`,
	RunE: runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVarP(&generateFlags.model, "model", "m", "", "model name (required)")
	f.StringVarP(&generateFlags.seed, "seed", "s", "", "seed text")
	f.IntVarP(&generateFlags.tokens, "tokens", "n", 0, "words to append")
	f.IntVar(&generateFlags.epoch, "epoch", 0, "use the periodic snapshot of this epoch")
	_ = generateCmd.MarkFlagRequired("model")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	store, err := openStore(generateFlags.model)
	if err != nil {
		return err
	}
	n := cfg.Generation.Tokens
	if cmd.Flags().Changed("tokens") {
		n = generateFlags.tokens
	}
	var opts []generate.Option
	if cmd.Flags().Changed("epoch") {
		opts = append(opts, generate.AtEpoch(generateFlags.epoch))
	}
	gen := generate.New(store, opts...)
	ctx := context.Background()

	if cmd.Flags().Changed("seed") {
		out, err := gen.Generate(ctx, generateFlags.seed, n)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		seed := strings.TrimSpace(scanner.Text())
		if seed == "" {
			continue
		}
		out, err := gen.Generate(ctx, seed, n)
		if err != nil {
			return err
		}
		fmt.Println(out)
	}
	return scanner.Err()
}
