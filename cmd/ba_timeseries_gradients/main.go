// ba_timeseries_gradients computes connectivity gradients for a BIDS
// dataset. It discovers the input files through a queryable index of the
// dataset, derives a group connectivity matrix from their timeseries, and
// writes the gradient decomposition plus a derivative dataset description
// to the output directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/bids"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/logging"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/output"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/pipeline"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/version"
)

var (
	// BIDS flags
	subjects     []string
	sessions     []string
	tasks        []string
	runs         []string
	space        string
	suffix       string
	extension    string
	datatype     string
	filterFile   string
	databasePath string

	// BrainSpace flags
	parcellation            string
	dimensionalityReduction string
	kernel                  string
	sparsity                float64
	nComponents             int

	// Other flags
	outputFormat string
	force        bool
	dryRun       bool
	jobs         int
	verbosity    string
	logFormat    string

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
	Use:   "ba_timeseries_gradients [flags] BIDS_DIR OUTPUT_DIR ANALYSIS_LEVEL",
	Short: "Compute connectivity gradients for a BIDS dataset",
	Long: `Computes gradients for a BIDS dataset. If the target files are
volumetric, they must be in NIFTI format, and a parcellation file must be
provided.

Issues can be reported at: ` + version.CodeURL + `.`,
	Version:       version.Version,
	Args:          validateArgs,
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
	RunE: runGradients,
}

func init() {
	rootCmd.SetGlobalNormalizationFunc(underscoreNormalizer)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
	flags := rootCmd.Flags()
	defaults := gradient.DefaultOptions()

	// BIDS arguments
	flags.StringArrayVar(&subjects, "subject", nil, "The subjects to include, may be supplied multiple times.")
	flags.StringArrayVar(&sessions, "session", nil, "The sessions to include, may be supplied multiple times.")
	flags.StringArrayVar(&tasks, "task", nil, "The tasks to include, may be supplied multiple times.")
	flags.StringArrayVar(&runs, "run", nil, "The runs to include, may be supplied multiple times.")
	flags.StringVar(&space, "space", "", "The space to use for finding BIDS files.")
	flags.StringVar(&suffix, "suffix", "bold", "Suffix to use for finding BIDS files.")
	flags.StringVar(&extension, "extension", ".nii.gz", "Extension to use for finding BIDS files.")
	flags.StringVar(&datatype, "datatype", "", "Datatype to use for finding BIDS files.")
	flags.StringVar(&filterFile, "filter_file", "", "YAML or JSON file with additional BIDS entity filters.")
	flags.StringVar(&databasePath, "bids_database_path", "", "File for storing the BIDS index, reused by later runs.")

	// BrainSpace arguments
	flags.StringVar(&parcellation, "parcellation", "", "Parcellation to use for similarity calculation. Must be a GIFTI or NIFTI file, obligatory if input files are NIFTI.")
	flags.StringVar(&dimensionalityReduction, "dimensionality_reduction", defaults.Approach, "Dimensionality reduction method to use.")
	flags.StringVar(&kernel, "kernel", defaults.Kernel, "Kernel to use for similarity calculation.")
	flags.Float64Var(&sparsity, "sparsity", defaults.Sparsity, "Sparsity to use for similarity calculation. Must be a float in [0, 1).")
	flags.IntVar(&nComponents, "n_components", defaults.NComponents, "Number of components to use for dimensionality reduction.")

	// Other arguments
	flags.StringVar(&outputFormat, "output_format", output.FormatNPZ, "Output file format.")
	flags.BoolVar(&force, "force", false, "Force overwrite of output file if it already exists.")
	flags.BoolVar(&dryRun, "dry_run", false, "Do not run the pipeline, only show what input files would be used.")
	flags.IntVar(&jobs, "jobs", runtime.GOMAXPROCS(0), "Number of input files to process in parallel.")
	flags.StringVar(&verbosity, "verbose", "info", "Verbosity level.")
	flags.StringVar(&logFormat, "log_format", logging.FormatConsole, "Log output format.")
}

// underscoreNormalizer folds hyphens to underscores so --dry-run and
// --dry_run name the same flag.
func underscoreNormalizer(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

func validateArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 3 {
		return usageErrorf("expected BIDS_DIR, OUTPUT_DIR, and ANALYSIS_LEVEL arguments, got %d", len(args))
	}
	if _, err := os.Stat(args[0]); err != nil {
		return usageErrorf("%s does not exist.", args[0])
	}
	if args[2] != "group" {
		return usageErrorf("invalid analysis level %q (choose from group)", args[2])
	}
	return nil
}

func validateOptions() error {
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
	if !contains(output.Formats, outputFormat) {
		return usageErrorf("invalid output format %q (choose from %s)", outputFormat, strings.Join(output.Formats, ", "))
	}
	if jobs < 1 {
		return usageErrorf("jobs must be a positive integer, got %d", jobs)
	}
	if parcellation != "" {
		if _, err := os.Stat(parcellation); err != nil {
			return usageErrorf("%s does not exist.", parcellation)
		}
	}
	if filterFile != "" {
		if _, err := os.Stat(filterFile); err != nil {
			return usageErrorf("%s does not exist.", filterFile)
		}
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

func runGradients(cmd *cobra.Command, args []string) error {
	bidsDir, outputDir := args[0], args[1]

	logger.Debug("Getting input files...")
	filter, err := buildFilter(cmd.Flags())
	if err != nil {
		return err
	}
	layout, err := bids.NewLayout(bidsDir, databasePath, logger)
	if err != nil {
		return err
	}
	defer layout.Close()

	files, err := layout.Query(filter)
	if err != nil {
		return err
	}
	logger.Info("Found input files.", zap.Int("count", len(files)))

	outputFile := filepath.Join(outputDir, "gradients."+outputFormat)
	if dryRun {
		logger.Info("Detected input files:\n" + strings.Join(files, "\n"))
		logger.Info("Output file: " + outputFile)
		return nil
	}

	logger.Debug("Checking input validity.")
	if _, err := os.Stat(outputFile); err == nil && !force {
		return &pipeline.InputError{Message: "Output file already exists. Use --force to overwrite."}
	}
	if err := pipeline.ValidateInputFiles(files, parcellation); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
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

	logger.Info("Saving gradient map.", zap.String("path", outputFile))
	if output.IsText(outputFormat) {
		logger.Info("Text formats store the gradients matrix only.", zap.Float64s("lambdas", result.Lambdas))
	}
	if err := output.Save(outputFile, outputFormat, result); err != nil {
		return err
	}

	description, err := layout.Description()
	if err != nil {
		return err
	}
	if description == nil {
		logger.Warn("Dataset has no dataset_description.json.", zap.String("root", bidsDir))
	}
	runID, err := output.WriteDescription(filepath.Join(outputDir, bids.DescriptionFilename), description, opts)
	if err != nil {
		return err
	}
	logger.Debug("Wrote derivative dataset description.", zap.String("run_id", runID))
	return nil
}

// buildFilter combines the filter file, the command line, and the suffix
// and extension defaults. Explicit flags win over file entries per key;
// the defaults apply only when neither names the key.
func buildFilter(flags *pflag.FlagSet) (bids.Filter, error) {
	var base bids.Filter
	if filterFile != "" {
		var err error
		if base, err = bids.LoadFilterFile(filterFile); err != nil {
			return bids.Filter{}, err
		}
	}

	cli := bids.Filter{
		Subjects: bids.StringList(subjects),
		Sessions: bids.StringList(sessions),
		Tasks:    bids.StringList(tasks),
		Runs:     bids.StringList(runs),
	}
	if space != "" {
		cli.Spaces = bids.StringList{space}
	}
	if datatype != "" {
		cli.Datatypes = bids.StringList{datatype}
	}
	if suffix != "" && (flags.Changed("suffix") || len(base.Suffixes) == 0) {
		cli.Suffixes = bids.StringList{suffix}
	}
	if extension != "" && (flags.Changed("extension") || len(base.Extensions) == 0) {
		cli.Extensions = bids.StringList{extension}
	}
	return base.Merge(cli), nil
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
