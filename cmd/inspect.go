package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const topWords = 10

var inspectModel string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the checkpoints and metadata of a model",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectModel, "model", "m", "", "model name (required)")
	_ = inspectCmd.MarkFlagRequired("model")
}

func runInspect(cmd *cobra.Command, args []string) error {
	store, err := openStore(inspectModel)
	if err != nil {
		return err
	}
	meta, vocab, err := store.Metadata()
	if err != nil {
		return err
	}
	m := store.Manifest()

	arch := meta.Model.Arch
	if arch == "" {
		arch = "lstm"
	}

	color.Cyan("Model %s (%s)", store.Name(), store.Dir())
	fmt.Printf("  architecture     %s\n", arch)
	fmt.Printf("  vocabulary       %d words + padding\n", vocab.Size()-1)
	fmt.Printf("  max sequence     %d\n", meta.MaxSequenceLength)
	fmt.Printf("  embedding/hidden %d/%d\n", meta.Model.EmbeddingDim, meta.Model.HiddenDim)
	fmt.Printf("  corpus           %s\n", meta.CorpusFingerprint)
	fmt.Printf("  last epoch       %d\n", store.LastCompletedEpoch())

	color.Cyan("Most frequent words")
	words := vocab.Words()
	if len(words) > topWords {
		words = words[:topWords]
	}
	for _, w := range words {
		fmt.Printf("  %-16s %5d times in %d lines\n", w, vocab.Count(w), vocab.Docs(w))
	}

	color.Cyan("Snapshots")
	for _, e := range m.Periodic {
		fmt.Printf("  epoch %4d  loss %.4f  %s  %s\n", e.Epoch, e.Loss, e.File, e.WrittenAt.Format(time.RFC3339))
	}
	if b := m.Best; b != nil {
		color.Green("  best   epoch %d  loss %.4f", b.Epoch, b.Loss)
	}
	if f := m.Final; f != nil {
		note := ""
		if f.EarlyStopped {
			note = ", stopped early"
		}
		color.Green("  final  epoch %d of %d%s", f.Epoch, f.RequestedEpochs, note)
	} else {
		color.Yellow("  no final snapshot; training has not finished")
	}
	return nil
}
