package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"nextword/internal/dataset"
	"nextword/internal/generate"
	"nextword/internal/tokenizer"
	"nextword/internal/trainer"
)

var demoCorpus = []string{
	"Great Steeping is a village and civil parish in the East Lindsey district of Lincolnshire, England.",
	"It is situated approximately 3 miles (5 km) from Spilsby.",
	"The parish includes the hamlet of Monksthorpe.",
	"There are two churches dedicated to All Saints, one being redundant and now known as Old All Saints.",
	"Old All Saints, built in 1748 on the site of a medieval church, and restored in 1908, is a Grade II* listed building.",
	"The Diocese of Lincoln declared it redundant in August 1973.",
	"In the grounds is the socket stone of a medieval churchyard cross which is an ancient scheduled monument.",
	"All Saints' Church was built of red brick in 1891, after a design by William Bassett-Smith.",
	"It is Grade II listed, and has a listed churchyard cross.",
	"Kelsey Hall dates from 1854 but occupies the site of an earlier manor house which burnt down.",
	"Great Steeping was also the base for RAF Spilsby, which originally was to be on the site of Gunby Park.",
	"In September 1944 RAF Spilsby became a station for two Lancaster squadrons, the 207 and 44.",
}

var demoFlags struct {
	epochs int
	tokens int
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Train a small model on a built-in corpus and complete a few prompts",
	RunE:  runDemo,
}

func init() {
	demoCmd.Flags().IntVarP(&demoFlags.epochs, "epochs", "e", 40, "total epochs to reach")
	demoCmd.Flags().IntVarP(&demoFlags.tokens, "tokens", "n", 6, "words to append per prompt")
}

func runDemo(cmd *cobra.Command, args []string) error {
	color.Cyan("Built-in corpus: %d lines", len(demoCorpus))

	vocab := tokenizer.Build(demoCorpus)
	set := dataset.Prepare(demoCorpus, vocab)
	fmt.Printf("  vocabulary %d words, %d examples, input width %d\n", vocab.Size()-1, set.Len(), set.InputWidth())
	for i := 0; i < 3 && i < set.Len(); i++ {
		s := set.Samples[i]
		word, _ := vocab.Word(s.Target)
		fmt.Printf("  %q -> %q\n", vocab.Decode(s.Context), word)
	}

	store, err := openStore("demo")
	if err != nil {
		return err
	}
	ctx := context.Background()
	res, err := trainer.New(store, buildModel).Train(ctx, demoCorpus, trainer.Options{
		Epochs:          demoFlags.epochs,
		CheckpointEvery: 10,
		Resume:          true,
		Model:           cfg.Model.Spec(),
	})
	if err != nil {
		return err
	}
	printResult(res, store.Dir())

	color.Cyan("Completions")
	gen := generate.New(store)
	for _, seed := range []string{"Great Steeping", "The parish", "Old All Saints", "RAF"} {
		out, err := gen.Generate(ctx, seed, demoFlags.tokens)
		if err != nil {
			return err
		}
		fmt.Printf("  %q -> %q\n", seed, out)
	}
	return nil
}
