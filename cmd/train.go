package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"nextword/internal/trainer"
)

var trainFlags struct {
	model           string
	arch            string
	corpus          string
	epochs          int
	checkpointEvery int
	everySteps      int
	noResume        bool
	patience        int
	minDelta        float64
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model, resuming from its last checkpoint",
	Example: `  nextword train --model steeping --corpus corpus.txt --epochs 200 --checkpoint-every 10
  nextword train --model steeping --corpus corpus.txt --epochs 300   # continues from 200`,
	RunE: runTrain,
}

func init() {
	f := trainCmd.Flags()
	f.StringVarP(&trainFlags.model, "model", "m", "", "model name (required)")
	f.StringVar(&trainFlags.arch, "arch", "", "architecture of a new model: lstm or mlp")
	f.StringVar(&trainFlags.corpus, "corpus", "", "corpus file, one text per line (required)")
	f.IntVarP(&trainFlags.epochs, "epochs", "e", 0, "total epochs to reach")
	f.IntVar(&trainFlags.checkpointEvery, "checkpoint-every", 0, "periodic snapshot cadence in epochs")
	f.IntVar(&trainFlags.everySteps, "checkpoint-every-steps", 0, "periodic snapshot cadence in optimizer steps")
	f.BoolVar(&trainFlags.noResume, "no-resume", false, "ignore existing checkpoints and start over")
	f.IntVar(&trainFlags.patience, "patience", 0, "stop after this many epochs without improvement (0 disables)")
	f.Float64Var(&trainFlags.minDelta, "min-delta", 0, "smallest loss decrease that counts as improvement")
	_ = trainCmd.MarkFlagRequired("model")
	_ = trainCmd.MarkFlagRequired("corpus")
}

func runTrain(cmd *cobra.Command, args []string) error {
	corpus, err := readCorpus(trainFlags.corpus)
	if err != nil {
		return err
	}

	tc := cfg.Training
	flags := cmd.Flags()
	if flags.Changed("epochs") {
		tc.Epochs = trainFlags.epochs
	}
	if flags.Changed("checkpoint-every") {
		tc.CheckpointEvery = trainFlags.checkpointEvery
	}
	if flags.Changed("checkpoint-every-steps") {
		tc.CheckpointEverySteps = trainFlags.everySteps
	}
	if flags.Changed("no-resume") {
		tc.Resume = !trainFlags.noResume
	}
	if flags.Changed("patience") {
		tc.Patience = trainFlags.patience
	}
	if flags.Changed("min-delta") {
		tc.MinDelta = trainFlags.minDelta
	}

	spec := cfg.Model.Spec()
	if flags.Changed("arch") {
		spec.Arch = trainFlags.arch
	}

	store, err := openStore(trainFlags.model)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := trainer.New(store, buildModel).Train(ctx, corpus, trainer.Options{
		Epochs:               tc.Epochs,
		CheckpointEvery:      tc.CheckpointEvery,
		CheckpointEverySteps: tc.CheckpointEverySteps,
		Resume:               tc.Resume,
		Patience:             tc.Patience,
		MinDelta:             tc.MinDelta,
		Model:                spec,
	})
	if err != nil {
		if res != nil && res.LastEpoch > 0 {
			color.Yellow("Stopped after epoch %d; rerun the same command to resume.", store.LastCompletedEpoch())
		}
		return err
	}
	printResult(res, store.Dir())
	return nil
}

func printResult(res *trainer.Result, dir string) {
	if res.State == trainer.AlreadyComplete {
		color.Green("Model already trained to epoch %d, nothing to do.", res.LastEpoch)
		return
	}
	color.Green("Training complete: epochs %d-%d", res.StartEpoch+1, res.LastEpoch)
	if res.EarlyStopped {
		color.Yellow("Stopped early; final snapshot holds the weights of epoch %d.", res.BestEpoch)
	}
	if n := len(res.Losses); n > 0 {
		fmt.Printf("  final loss  %.4f\n", res.Losses[n-1])
	}
	fmt.Printf("  best loss   %.4f (epoch %d)\n", res.BestLoss, res.BestEpoch)
	fmt.Printf("  checkpoints %s\n", dir)
}
