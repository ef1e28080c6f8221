// grag-brainspace computes connectivity gradients for an explicit list of
// neuroimaging files, without requiring a BIDS dataset. The output format
// follows the output filename extension.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/logging"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/output"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/pipeline"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/version"
)

var (
	// Input and output flags
	inputFiles []string
	inputList  string
	outputPath string

	// BrainSpace flags
	parcellation            string
	dimensionalityReduction string
	kernel                  string
	sparsity                float64
	nComponents             int

	// Other flags
	force     bool
	jobs      int
	verbosity string
	logFormat string

	// Logger
	logger *zap.Logger
)

// usageError marks command line mistakes so main can exit with status 2,
// keeping runtime failures on status 1.
type usageError struct{ error }

func usageErrorf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "grag-brainspace [flags]",
	Short: "Compute connectivity gradients for a collection of files",
	Long: `Computes gradients for a collection of files. Files must be either
volumetric or surface files. If the files are volumetric, they must be in
NIFTI format, and a parcellation file must be provided.

Issues can be reported at: ` + version.CodeURL + `.`,
	Version:       version.Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(verbosity)
		if err != nil {
			return usageError{err}
		}
		if logger, err = logging.New(level, logFormat); err != nil {
			return usageError{err}
		}
		return validateOptions()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runBrainspace,
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(underscoreNormalizer)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	flags := rootCmd.Flags()
	defaults := gradient.DefaultOptions()

	flags.StringArrayVarP(&inputFiles, "input_file", "i", nil, "Input file to process, may be supplied multiple times. Must be 4D GIFTI or NIFTI files.")
	flags.StringVarP(&inputList, "input_list", "l", "", "Input file list to process. Must be a text file with one file per line.")
	flags.StringVarP(&outputPath, "output", "o", "", "Output gradient filename. The extension selects the format: .npz, .json, .tsv or .csv.")
	flags.StringVarP(&parcellation, "parcellation", "p", "", "Parcellation to use for similarity calculation. Must be a GIFTI or NIFTI file.")
	flags.StringVarP(&dimensionalityReduction, "dimensionality_reduction", "d", defaults.Approach, "Dimensionality reduction method to use.")
	flags.StringVarP(&kernel, "kernel", "k", defaults.Kernel, "Kernel to use for similarity calculation.")
	flags.Float64VarP(&sparsity, "sparsity", "s", defaults.Sparsity, "Sparsity to use for similarity calculation. Must be a float in [0, 1).")
	flags.IntVarP(&nComponents, "n_components", "n", defaults.NComponents, "Number of components to use for dimensionality reduction.")
	flags.BoolVarP(&force, "force", "f", false, "Force overwrite of output file if it already exists.")
	flags.IntVar(&jobs, "jobs", runtime.GOMAXPROCS(0), "Number of input files to process in parallel.")
	flags.StringVar(&verbosity, "verbose", "info", "Verbosity level.")
	flags.StringVar(&logFormat, "log_format", logging.FormatConsole, "Log output format.")
}

// underscoreNormalizer folds hyphens to underscores so --input-list and
// --input_list name the same flag.
func underscoreNormalizer(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

func validateOptions() error {
	if outputPath == "" {
		return usageErrorf("the --output flag is required")
	}
	if !contains(gradient.Approaches, dimensionalityReduction) {
		return usageErrorf("invalid dimensionality reduction %q (choose from %s)",
			dimensionalityReduction, strings.Join(gradient.Approaches, ", "))
	}
	if !contains(gradient.Kernels, kernel) {
		return usageErrorf("invalid kernel %q (choose from %s)", kernel, strings.Join(gradient.Kernels, ", "))
	}
	if sparsity < 0 || sparsity >= 1 {
		return usageErrorf("%v is not in range [0, 1).", sparsity)
	}
	if nComponents < 1 {
		return usageErrorf("number of components must be a positive integer, got %d", nComponents)
	}
	if jobs < 1 {
		return usageErrorf("jobs must be a positive integer, got %d", jobs)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func runBrainspace(cmd *cobra.Command, args []string) error {
	if (len(inputFiles) == 0) == (inputList == "") {
		return &pipeline.InputError{Message: "You must provide either an input file or a non-empty input list."}
	}

	logger.Debug("Getting input files...")
	files := inputFiles
	if inputList != "" {
		var err error
		if files, err = pipeline.ReadFileList(inputList); err != nil {
			return err
		}
	}

	logger.Debug("Checking input validity.")
	if _, err := os.Stat(outputPath); err == nil && !force {
		return &pipeline.InputError{
			Message: "Output file already exists. Please choose a different output file or include the -f flag.",
		}
	}
	if err := pipeline.ValidateInputFiles(files, parcellation); err != nil {
		return err
	}

	format, err := output.DetectFormat(outputPath)
	if err != nil {
		logger.Warn("Unrecognized output extension, writing CSV.", zap.String("path", outputPath))
		format = output.FormatCSV
	}

	opts := gradient.Options{
		NComponents: nComponents,
		Approach:    dimensionalityReduction,
		Kernel:      kernel,
		Sparsity:    sparsity,
	}
	logger.Info("Calculating gradient map...")
	result, err := pipeline.ComputeGradients(cmd.Context(), files, parcellation, opts, jobs, logger)
	if err != nil {
		return err
	}

	logger.Info("Saving gradient map.", zap.String("path", outputPath))
	if output.IsText(format) {
		logger.Info("Text formats store the gradients matrix only.", zap.Float64s("lambdas", result.Lambdas))
	}
	return output.Save(outputPath, format, result)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", rootCmd.Name())
			os.Exit(2)
		}
		os.Exit(1)
	}
}
