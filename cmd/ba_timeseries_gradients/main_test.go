package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/logging"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/niimg"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/output"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/pipeline"
)

// resetOptions restores every flag variable to its default so tests can
// mutate the ones they exercise.
func resetOptions() {
	defaults := gradient.DefaultOptions()
	subjects, sessions, tasks, runs = nil, nil, nil, nil
	space, suffix, extension, datatype = "", "bold", ".nii.gz", ""
	filterFile, databasePath = "", ""
	parcellation = ""
	dimensionalityReduction, kernel = defaults.Approach, defaults.Kernel
	sparsity, nComponents = defaults.Sparsity, defaults.NComponents
	outputFormat = output.FormatNPZ
	force, dryRun = false, false
	jobs = 1
	verbosity, logFormat = "info", logging.FormatConsole
	logger = zap.NewNop()
}

func writeBold(t *testing.T, path string, phase float64) {
	t.Helper()
	const vertices, timepoints = 10, 20
	data := make([]float64, vertices*timepoints)
	for ti := 0; ti < timepoints; ti++ {
		for v := 0; v < vertices; v++ {
			data[v+vertices*ti] = math.Sin(0.3*float64(ti)+phase) + 0.05*math.Cos(0.7*float64(ti)+float64(v))
		}
	}
	require.NoError(t, niimg.SaveGIfTI(path, &niimg.Image{Dims: []int{vertices, timepoints}, Data: data}))
}

func newBIDSDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	desc := `{"Name": "Gradient Test", "BIDSVersion": "1.8.0"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "dataset_description.json"), []byte(desc), 0o644))
	for i, sub := range []string{"sub-01", "sub-02"} {
		dir := filepath.Join(root, sub, "func")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		writeBold(t, filepath.Join(dir, sub+"_task-rest_bold.gii"), 0.2*float64(i))
	}
	return root
}

func TestUnderscoreNormalizer(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.Equal(t, pflag.NormalizedName("dry_run"), underscoreNormalizer(fs, "dry-run"))
	assert.Equal(t, pflag.NormalizedName("output_format"), underscoreNormalizer(fs, "output-format"))
}

func TestValidateArgs(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, validateArgs(rootCmd, []string{dir, dir, "group"}))

	err := validateArgs(rootCmd, []string{dir, dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 2")

	err = validateArgs(rootCmd, []string{filepath.Join(dir, "missing"), dir, "group"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist.")

	err = validateArgs(rootCmd, []string{dir, dir, "participant"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "choose from group")

	var usageErr usageError
	assert.ErrorAs(t, err, &usageErr)
}

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func()
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func() {},
		},
		{
			name:    "unknown dimensionality reduction",
			mutate:  func() { dimensionalityReduction = "tsne" },
			wantErr: "invalid dimensionality reduction",
		},
		{
			name:    "unknown kernel",
			mutate:  func() { kernel = "rbf" },
			wantErr: "invalid kernel",
		},
		{
			name:    "sparsity out of range",
			mutate:  func() { sparsity = 1 },
			wantErr: "is not in range [0, 1).",
		},
		{
			name:    "non-positive components",
			mutate:  func() { nComponents = 0 },
			wantErr: "positive integer",
		},
		{
			name:    "unknown output format",
			mutate:  func() { outputFormat = "h5" },
			wantErr: "invalid output format",
		},
		{
			name:    "non-positive jobs",
			mutate:  func() { jobs = 0 },
			wantErr: "jobs must be a positive integer",
		},
		{
			name:    "missing parcellation",
			mutate:  func() { parcellation = filepath.Join("nowhere", "labels.nii.gz") },
			wantErr: "does not exist.",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resetOptions()
			tc.mutate()
			err := validateOptions()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			var usageErr usageError
			assert.ErrorAs(t, err, &usageErr)
		})
	}
}

func TestBuildFilter(t *testing.T) {
	writeFilterFile := func(t *testing.T, contents string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "filters.yaml")
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
		return path
	}

	t.Run("defaults without filter file", func(t *testing.T) {
		resetOptions()
		subjects = []string{"01", "02"}
		filter, err := buildFilter(pflag.NewFlagSet("test", pflag.ContinueOnError))
		require.NoError(t, err)
		assert.Equal(t, []string{"01", "02"}, []string(filter.Subjects))
		assert.Equal(t, []string{"bold"}, []string(filter.Suffixes))
		assert.Equal(t, []string{".nii.gz"}, []string(filter.Extensions))
	})

	t.Run("filter file beats defaults", func(t *testing.T) {
		resetOptions()
		filterFile = writeFilterFile(t, "suffix: T1w\ntask: [rest, nback]\nhemi: L\n")
		filter, err := buildFilter(pflag.NewFlagSet("test", pflag.ContinueOnError))
		require.NoError(t, err)
		assert.Equal(t, []string{"T1w"}, []string(filter.Suffixes))
		assert.Equal(t, []string{"rest", "nback"}, []string(filter.Tasks))
		assert.Equal(t, []string{"L"}, []string(filter.Extra["hemi"]))
		assert.Equal(t, []string{".nii.gz"}, []string(filter.Extensions))
	})

	t.Run("explicit flag beats filter file", func(t *testing.T) {
		resetOptions()
		filterFile = writeFilterFile(t, "suffix: T1w\n")
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.StringVar(&suffix, "suffix", "bold", "")
		require.NoError(t, fs.Set("suffix", "bold"))
		filter, err := buildFilter(fs)
		require.NoError(t, err)
		assert.Equal(t, []string{"bold"}, []string(filter.Suffixes))
	})

	t.Run("command line entities beat filter file", func(t *testing.T) {
		resetOptions()
		filterFile = writeFilterFile(t, "task: rest\nsubject: [01, 02]\n")
		tasks = []string{"nback"}
		filter, err := buildFilter(pflag.NewFlagSet("test", pflag.ContinueOnError))
		require.NoError(t, err)
		assert.Equal(t, []string{"nback"}, []string(filter.Tasks))
		assert.Equal(t, []string{"01", "02"}, []string(filter.Subjects))
	})
}

func TestRunGradientsEndToEnd(t *testing.T) {
	resetOptions()
	bidsDir := newBIDSDataset(t)
	outputDir := filepath.Join(t.TempDir(), "derivatives")
	extension = ".gii"
	outputFormat = output.FormatJSON
	sparsity = 0.1

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	require.NoError(t, runGradients(cmd, []string{bidsDir, outputDir, "group"}))

	raw, err := os.ReadFile(filepath.Join(outputDir, "gradients.json"))
	require.NoError(t, err)
	var payload struct {
		Gradients [][]float64 `json:"gradients"`
		Lambdas   []float64   `json:"lambdas"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Len(t, payload.Gradients, 10)
	assert.Len(t, payload.Gradients[0], 9)
	assert.Len(t, payload.Lambdas, 9)

	raw, err = os.ReadFile(filepath.Join(outputDir, "dataset_description.json"))
	require.NoError(t, err)
	var description output.DerivativeDescription
	require.NoError(t, json.Unmarshal(raw, &description))
	assert.Equal(t, "Gradient Test - ba_timeseries_gradients", description.Name)
	assert.Equal(t, "derivative", description.DatasetType)
	require.Len(t, description.GeneratedBy, 1)
	assert.Equal(t, "dm", description.GeneratedBy[0].Parameters["dimensionality_reduction"])
}

func TestRunGradientsDryRun(t *testing.T) {
	resetOptions()
	bidsDir := newBIDSDataset(t)
	outputDir := t.TempDir()
	extension = ".gii"
	dryRun = true

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	require.NoError(t, runGradients(cmd, []string{bidsDir, outputDir, "group"}))

	_, err := os.Stat(filepath.Join(outputDir, "gradients.npz"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRunGradientsExistingOutput(t *testing.T) {
	resetOptions()
	bidsDir := newBIDSDataset(t)
	outputDir := t.TempDir()
	extension = ".gii"
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "gradients.npz"), []byte("x"), 0o644))

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	err := runGradients(cmd, []string{bidsDir, outputDir, "group"})
	require.Error(t, err)
	assert.EqualError(t, err, "Output file already exists. Use --force to overwrite.")
	var inputErr *pipeline.InputError
	assert.ErrorAs(t, err, &inputErr)
}
