package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"danet/pkg"
	"danet/pkg/model"
)

// bindModelFlags binds the flags of the configuration fields to config. Flags of the other models are bound to
// defaults when bindAll is set, so that every flag is known to the command.
func bindModelFlags(fs *pflag.FlagSet, config model.Config, bindAll bool) {
	base := config.Base()
	fs.Var(&base.Task, "task", "learning task: classification, regression or backbone")
	fs.Var(&base.Head, "head", "output head: LinearHead, MixtureDensityHead or None")
	fs.Var(&base.Loss, "loss", "loss: MSELoss, L1Loss or CrossEntropyLoss (default depends on the task)")
	fs.Float64VarP(&base.LearningRate, "learning-rate", "l", base.LearningRate, "learning rate")
	fs.Uint64VarP(&base.Seed, "random-seed", "x", base.Seed, "random seed")
	fs.IntVar(&base.VirtualBatchSize, "virtual-batch-size", base.VirtualBatchSize, "ghost batch normalization chunk size")
	fs.Float64Var(&base.BatchMomentum, "batch-momentum", base.BatchMomentum, "batch normalization momentum")
	fs.Float64Var(&base.EmbeddingDropout, "embedding-dropout", base.EmbeddingDropout, "dropout of the embedded input")
	fs.BoolVar(&base.BatchNormContinuousInput, "batch-norm-continuous-input", base.BatchNormContinuousInput,
		"normalize the continuous features")
	fs.Float64SliceVar(&base.TargetRange, "target-range", base.TargetRange, "low,high bounds of regression outputs")
	fs.StringVar(&base.HeadConfig.Layers, "head-layers", base.HeadConfig.Layers, "hidden layer widths of the linear head, e.g. 64-32")
	fs.Var(&base.HeadConfig.Activation, "head-activation", "activation of the linear head hidden layers")
	fs.Float64Var(&base.HeadConfig.Dropout, "head-dropout", base.HeadConfig.Dropout, "dropout of the linear head")
	fs.IntVar(&base.HeadConfig.NumGaussian, "num-gaussian", base.HeadConfig.NumGaussian, "gaussians of the mixture density head")

	danet, ok := config.(*model.DANetConfig)
	if !ok && bindAll {
		defaults := model.DefaultDANetConfig()
		danet = &defaults
	}
	if danet != nil {
		fs.IntVarP(&danet.NLayers, "n-layers", "n", danet.NLayers, "number of DANet blocks")
		fs.IntVar(&danet.AbstlayDim1, "abstlay-dim-1", danet.AbstlayDim1, "output width of the first abstract layer of a block")
		fs.IntVar(&danet.AbstlayDim2, "abstlay-dim-2", danet.AbstlayDim2, "output width of the second abstract layer of a block (default 2*abstlay-dim-1)")
		fs.IntVar(&danet.K, "k", danet.K, "feature groups per abstract layer")
		fs.Float64Var(&danet.DropoutRate, "dropout-rate", danet.DropoutRate, "dropout of the block shortcut")
		fs.Var(&danet.BlockActivation, "block-activation", "activation of the block output")
	}

	tabNet, ok := config.(*model.TabNetConfig)
	if !ok && bindAll {
		defaults := model.DefaultTabNetConfig()
		tabNet = &defaults
	}
	if tabNet != nil {
		fs.IntVarP(&tabNet.FeatureDimension, "feature-dimension", "f", tabNet.FeatureDimension, "TabNet feature dimension")
		fs.IntVarP(&tabNet.NumDecisionSteps, "num-decision-steps", "s", tabNet.NumDecisionSteps, "TabNet decision steps")
		fs.Float64VarP(&tabNet.RelaxationFactor, "relaxation-factor", "g", tabNet.RelaxationFactor, "TabNet relaxation factor")
		fs.Float64Var(&tabNet.SparsityLossWeight, "sparsity-loss-weight", tabNet.SparsityLossWeight, "weight of the TabNet sparsity loss in total loss")
	}
}

// buildConfig returns the default configuration of modelName, overridden by configFile and then by the model
// flags explicitly set on cmd.
func buildConfig(cmd *cobra.Command, modelName, configFile string) (model.Config, error) {
	config, err := model.NewConfig(modelName)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		if err := model.LoadConfig(configFile, config); err != nil {
			return nil, err
		}
	}

	fs := pflag.NewFlagSet(modelName, pflag.ContinueOnError)
	bindModelFlags(fs, config, false)
	var applyErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if applyErr != nil {
			return
		}
		target := fs.Lookup(f.Name)
		if target == nil {
			if isModelFlag(cmd, f.Name) {
				applyErr = fmt.Errorf("flag --%s does not apply to %s", f.Name, modelName)
			}
			return
		}
		if slice, ok := f.Value.(pflag.SliceValue); ok {
			applyErr = target.Value.(pflag.SliceValue).Replace(slice.GetSlice())
			return
		}
		applyErr = target.Value.Set(f.Value.String())
	})
	if applyErr != nil {
		return nil, applyErr
	}
	return config, nil
}

const modelFlagAnnotation = "model"

func isModelFlag(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && len(f.Annotations[modelFlagAnnotation]) > 0
}

func TrainCommand() *cobra.Command {
	var trainFile string
	var testFile string
	var outputFile string
	var targetColumn string
	var modelName string
	var configFile string
	trainingParameters := pkg.DefaultTrainingParameters()

	var cmd = &cobra.Command{
		Use:   "train -i trainData -o outputFile -t targetColumn",
		Short: "Trains a new model on the provided training data and saves the trained model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := buildConfig(cmd, modelName, configFile)
			if err != nil {
				return err
			}
			_, err = pkg.Train(trainFile, testFile, outputFile, targetColumn, config, trainingParameters)
			return err
		},
	}

	cmd.Flags().StringVarP(&trainFile, "train-file", "i", "", "name of train file")
	cmd.Flags().StringVarP(&testFile, "test-file", "", "", "name of test file")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "name of the file to save model to.")
	cmd.Flags().StringVarP(&targetColumn, "target-column", "t", "", "target column")
	cmd.Flags().StringVarP(&modelName, "model", "m", model.DANetModelName, fmt.Sprintf("model to train: %v", model.AvailableModels()))
	cmd.Flags().StringVarP(&configFile, "model-config", "c", "", "YAML model configuration, overridden by the model flags")

	cmd.Flags().IntVarP(&trainingParameters.BatchSize, "batch-size", "b", trainingParameters.BatchSize, "batch size")
	cmd.Flags().IntVarP(&trainingParameters.ReportInterval, "report-interval", "r", trainingParameters.ReportInterval, "loss report interval")
	cmd.Flags().IntVarP(&trainingParameters.NumEpochs, "num-epochs", "e", trainingParameters.NumEpochs, "number of epochs to train")
	cmd.Flags().StringSliceVarP(&trainingParameters.CategoricalColumns, "categorical-columns", "", nil, "list of columns holding categorical data")
	cmd.Flags().Float64VarP(&trainingParameters.InputDropout, "input-dropout-probability", "", 0.0, "probability of input dropout")
	cmd.Flags().Float64Var(&trainingParameters.ValidationFraction, "validation-fraction", 0.0, "fraction of the training data held out for validation")
	cmd.Flags().IntVar(&trainingParameters.Patience, "patience", 0, "epochs without validation loss improvement before stopping (0 disables early stopping)")
	cmd.Flags().Float64Var(&trainingParameters.GradientClipValue, "gradient-clip", trainingParameters.GradientClipValue, "gradient clipping threshold")
	cmd.Flags().BoolVar(&trainingParameters.ProgressBar, "progress-bar", false, "show a progress bar for every epoch")

	modelFlags := pflag.NewFlagSet("model", pflag.ContinueOnError)
	defaults := model.DefaultDANetConfig()
	bindModelFlags(modelFlags, &defaults, true)
	modelFlags.VisitAll(func(f *pflag.Flag) {
		_ = modelFlags.SetAnnotation(f.Name, modelFlagAnnotation, []string{"true"})
	})
	cmd.Flags().AddFlagSet(modelFlags)

	_ = cmd.MarkFlagRequired("train-file")
	_ = cmd.MarkFlagRequired("output-file")
	_ = cmd.MarkFlagRequired("target-column")

	return cmd
}

func TestCommand() *cobra.Command {
	var modelFile string
	var inputFile string
	var outputFile string

	var cmd = &cobra.Command{
		Use:   "test -m modelFile -i testFile [-o outputFile]",
		Short: "Runs the provided model on the specified data input and optionally writes the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := pkg.Test(modelFile, inputFile, outputFile)
			return err
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to test")
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "name of data input file")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "name of output file (optional)")

	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func ServeCommand() *cobra.Command {
	var modelFile string
	var addr string
	var batchSize int

	var cmd = &cobra.Command{
		Use:   "serve -m modelFile [--addr :8080]",
		Short: "Serves the predictions of the provided model over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pkg.Serve(modelFile, addr, batchSize)
		},
	}

	cmd.Flags().StringVarP(&modelFile, "model", "m", "", "name of model to serve")
	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "address to listen on")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 256, "records predicted per graph")

	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func ModelsCommand() *cobra.Command {
	var showConfig bool

	var cmd = &cobra.Command{
		Use:   "models",
		Short: "Lists the available models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range model.AvailableModels() {
				fmt.Fprintln(out, name)
				if !showConfig {
					continue
				}
				config, err := model.NewConfig(name)
				if err != nil {
					return err
				}
				encoder := yaml.NewEncoder(out)
				encoder.SetIndent(2)
				if err := encoder.Encode(config); err != nil {
					return err
				}
				if err := encoder.Close(); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showConfig, "show-config", "c", false, "print the default YAML configuration of every model")

	return cmd
}

var logLevel string
var logFormat string

func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               "danet",
		Short:             "Deep abstract networks for tabular data",
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
	}

	root.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "Logging level: info error or debug")
	root.PersistentFlags().StringVarP(&logFormat, "log-format", "", "pretty", "Logging format: pretty or json")

	root.AddCommand(TrainCommand())
	root.AddCommand(TestCommand())
	root.AddCommand(ServeCommand())
	root.AddCommand(ModelsCommand())
	return root
}

func main() {
	if err := RootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("")
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		return fmt.Errorf("invalid logging level %q", logLevel)
	}

	switch logFormat {
	case "pretty":
		setupPrettyLogging()
	case "json":
	default:
		return fmt.Errorf("invalid log format %q", logFormat)
	}
	return nil
}

func setupPrettyLogging() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	writer.FormatFieldValue = func(i interface{}) string {
		switch v := i.(type) {
		case json.Number:
			val, _ := v.Float64()
			return fmt.Sprintf("%.3f", val)
		default:
			return fmt.Sprintf("%s", i)
		}
	}
	log.Logger = log.Output(writer)
}
