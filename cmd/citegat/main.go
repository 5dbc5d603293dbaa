// citegat trains, evaluates and queries a graph-attention (GAT) node
// classifier on the Cora citation dataset.
//
// Examples:
//
//	citegat train --checkpoint=~/tmp/citegat
//	citegat train --set="gat_num_heads=4;learning_rate=0.1"
//	citegat eval --checkpoint=~/tmp/citegat
//	citegat predict --checkpoint=~/tmp/citegat 7 42 2707
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"

	"github.com/citenet/citegat"
	"github.com/citenet/citegat/cora"
	"github.com/citenet/citegat/graphs"
)

var (
	flagDataDir            string
	flagCheckpoint         string
	flagConfig             string
	flagSettings           string
	flagSeed               int64
	flagTrainFraction      float64
	flagValidationFraction float64
)

func main() {
	klog.InitFlags(nil)

	root := &cobra.Command{
		Use:   "citegat",
		Short: "Graph-attention node classifier for the Cora citation dataset",
		Long: "citegat trains a graph-attention (GAT) network that classifies the papers of the Cora " +
			"citation dataset into topics, aggregating each paper's representation from the papers citing it.",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flagDataDir, "data", "~/tmp/cora", "directory to download and cache the dataset in")
	pf.StringVar(&flagCheckpoint, "checkpoint", "", "directory to save and restore checkpoints from; empty means no checkpointing")
	pf.StringVar(&flagConfig, "config", "", "yaml file with hyperparameter overrides")
	pf.StringVar(&flagSettings, "set", "", "semicolon-separated hyperparameter overrides, e.g. \"gat_num_heads=4;learning_rate=0.1\"")
	pf.Int64Var(&flagSeed, "seed", 42, "seed for drawing the train/validation/test splits")
	pf.Float64Var(&flagTrainFraction, "train_fraction", 0.6, "fraction of the nodes used for training")
	pf.Float64Var(&flagValidationFraction, "validation_fraction", 0.2, "fraction of the nodes used for validation; the remainder is the test set")
	pf.AddGoFlagSet(flag.CommandLine) // klog flags.

	root.AddCommand(newTrainCmd(), newEvalCmd(), newPredictCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the classifier, resuming from the checkpoint if one exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := newContext(false)
			store, splits := loadData()
			return citegat.Train(backends.MustNew(), ctx, store, splits, flagCheckpoint)
		},
	}
}

func newEvalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval",
		Short: "Report loss and accuracy of a trained classifier on all splits",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagCheckpoint == "" {
				return fmt.Errorf("eval requires --checkpoint with a trained model")
			}
			ctx := newContext(true)
			store, splits := loadData()
			return citegat.Eval(backends.MustNew(), ctx, store, splits)
		},
	}
}

func newPredictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict <node-id>...",
		Short: "Print topic probabilities for the given node ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagCheckpoint == "" {
				return fmt.Errorf("predict requires --checkpoint with a trained model")
			}
			nodes := make([]int32, len(args))
			for i, arg := range args {
				id, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("node id %q is not a number", arg)
				}
				nodes[i] = int32(id)
			}
			ctx := newContext(true)
			store, _ := loadData()
			predictor := citegat.NewPredictor(backends.MustNew(), ctx, store)
			probabilities, err := predictor.Predict(nodes)
			if err != nil {
				return err
			}

			fmt.Printf("%8s", "node")
			for _, name := range cora.ClassNames {
				fmt.Printf("  %22s", name)
			}
			fmt.Println()
			for i, node := range nodes {
				fmt.Printf("%8d", node)
				for _, p := range probabilities[i] {
					fmt.Printf("  %21.1f%%", 100*p)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

// newContext builds the context with defaults, the yaml config file, the
// checkpoint (if loadCheckpoint) and finally the --set overrides, in that
// precedence order.
func newContext(loadCheckpoint bool) *context.Context {
	ctx := citegat.CreateDefaultContext()
	if flagConfig != "" {
		params := make(map[string]any)
		must.M(yaml.Unmarshal(must.M1(os.ReadFile(flagConfig)), &params))
		ctx.SetParams(params)
	}
	if loadCheckpoint && flagCheckpoint != "" {
		must.M1(checkpoints.Load(ctx).Dir(flagCheckpoint).Done())
	}
	if flagSettings != "" {
		must.M1(commandline.ParseContextSettings(ctx, flagSettings))
	}
	return ctx
}

func loadData() (*graphs.Store, *graphs.Splits) {
	must.M(cora.Download(flagDataDir))
	store := must.M1(cora.Load(flagDataDir))
	splits := must.M1(cora.RandomSplits(store.NumNodes(), flagTrainFraction, flagValidationFraction, flagSeed))
	return store, splits
}
