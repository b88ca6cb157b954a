package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/born-ml/bodymux/internal/checkpoint"
	"github.com/born-ml/bodymux/internal/compose"
	"github.com/born-ml/bodymux/internal/config"
	"github.com/born-ml/bodymux/internal/loader"
	"github.com/born-ml/bodymux/internal/model"
)

type composeOptions struct {
	bodyCheckpoints  []string
	configFile       string
	headWeightsIndex int
	outputModel      string
	numClasses       int
	overrides        []string
	format           string
	logLevel         string
	logFile          string
}

// NewComposeCmd returns the compose command.
func NewComposeCmd() *cobra.Command {
	opts := &composeOptions{}

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Build a multi-input model from single-input checkpoints",
		Long: `Build a multi-input model from single-input checkpoints.

Checkpoint i provides the conv body weights of body i. The head weights
(RPN, box and mask heads) are taken from the checkpoint selected by
--head-weights-index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.bodyCheckpoints, "body-checkpoints", nil, "Single-input checkpoints, one per body, in body order")
	flags.StringVar(&opts.configFile, "config", "", "Architecture config of the multi-input model (YAML)")
	flags.IntVar(&opts.headWeightsIndex, "head-weights-index", 0, "Index of the checkpoint providing the head weights")
	flags.StringVar(&opts.outputModel, "output-model", "", "Path of the composed checkpoint")
	flags.IntVar(&opts.numClasses, "num-classes", 2, "Number of classes, including background; the config file takes precedence")
	flags.StringArrayVar(&opts.overrides, "set", nil, "Config override KEY=VALUE, e.g. BODY_MUXER.METHOD=sum (repeatable)")
	flags.StringVar(&opts.format, "format", "", "Output format: born or safetensors (default: from the output extension)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.logFile, "log-file", "", "Log file (default: <output-model>.log)")

	for _, name := range []string{"body-checkpoints", "config", "head-weights-index", "output-model"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runCompose(cmd *cobra.Command, opts *composeOptions) error {
	format, err := outputFormat(opts.format, opts.outputModel)
	if err != nil {
		return err
	}

	logFile := opts.logFile
	if logFile == "" {
		logFile = opts.outputModel + ".log"
	}
	logger, closeLog, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	logger.Info("Args",
		zap.Strings("body_checkpoints", opts.bodyCheckpoints),
		zap.String("config", opts.configFile),
		zap.Int("head_weights_index", opts.headWeightsIndex),
		zap.String("output_model", opts.outputModel),
		zap.Int("num_classes", opts.numClasses),
		zap.Strings("set", opts.overrides),
		zap.String("format", string(format)))

	if err := composeModel(logger, opts, format); err != nil {
		logger.Error("Composition failed", zap.Error(err))
		return err
	}
	return nil
}

func composeModel(logger *zap.Logger, opts *composeOptions, format loader.Format) error {
	cfg, err := config.Build(
		config.Set("MODEL.NUM_CLASSES", opts.numClasses),
		config.File(opts.configFile),
		config.Overrides(opts.overrides...),
	)
	if err != nil {
		return err
	}

	target, err := model.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build model: %w", err)
	}

	composer := &compose.Composer{Logger: logger}
	result, err := composer.Compose(target, compose.Sources(opts.bodyCheckpoints...), opts.headWeightsIndex)
	if err != nil {
		return err
	}

	err = checkpoint.Save(opts.outputModel, result.State, checkpoint.SaveOptions{
		Format:    format,
		ModelType: "body_muxer_" + result.Fusion,
		Metadata:  result.Metadata(),
	})
	if err != nil {
		return err
	}

	logger.Info("Saved composed model",
		zap.String("path", opts.outputModel),
		zap.Int("tensors", len(result.State)),
		zap.Stringer("composition_id", result.CompositionID()))
	return nil
}

// outputFormat resolves --format, falling back to the output extension.
func outputFormat(flag, output string) (loader.Format, error) {
	if flag == "" {
		if strings.EqualFold(filepath.Ext(output), ".safetensors") {
			return loader.FormatSafeTensors, nil
		}
		return loader.FormatBorn, nil
	}

	format, err := loader.ParseFormat(flag)
	if err != nil {
		return "", err
	}
	if format == loader.FormatTorch {
		return "", fmt.Errorf("cannot write %s checkpoints; use born or safetensors", format)
	}
	return format, nil
}
