package output

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
)

func sampleResult() *gradient.Result {
	return &gradient.Result{
		Gradients: mat.NewDense(3, 2, []float64{
			1.5, -2,
			0.25, 3,
			-1, 0.5,
		}),
		Lambdas: []float64{0.6, 0.3},
	}
}

func TestSaveNPZ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradients.npz")
	require.NoError(t, Save(path, FormatNPZ, sampleResult()))

	archive, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer archive.Close()

	entries := map[string]*zip.File{}
	for _, file := range archive.File {
		entries[file.Name] = file
	}
	require.Contains(t, entries, "gradients.npy")
	require.Contains(t, entries, "lambdas.npy")

	gr, err := entries["gradients.npy"].Open()
	require.NoError(t, err)
	defer gr.Close()
	var gradients mat.Dense
	require.NoError(t, npyio.Read(gr, &gradients))
	rows, cols := gradients.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, -2.0, gradients.At(0, 1))

	lr, err := entries["lambdas.npy"].Open()
	require.NoError(t, err)
	defer lr.Close()
	var lambdas []float64
	require.NoError(t, npyio.Read(lr, &lambdas))
	assert.Equal(t, []float64{0.6, 0.3}, lambdas)
}

func TestSaveJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradients.json")
	require.NoError(t, Save(path, FormatJSON, sampleResult()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded struct {
		Gradients [][]float64 `json:"gradients"`
		Lambdas   []float64   `json:"lambdas"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, [][]float64{{1.5, -2}, {0.25, 3}, {-1, 0.5}}, decoded.Gradients)
	assert.Equal(t, []float64{0.6, 0.3}, decoded.Lambdas)
}

func TestSaveTextFormats(t *testing.T) {
	result := sampleResult()
	for format, delimiter := range map[string]string{FormatTSV: "\t", FormatCSV: ","} {
		path := filepath.Join(t.TempDir(), "gradients."+format)
		require.NoError(t, Save(path, format, result))

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
		require.Len(t, lines, 3, format)

		wantFirst := fmt.Sprintf("%.18e%s%.18e", 1.5, delimiter, -2.0)
		assert.Equal(t, wantFirst, lines[0], format)
	}
}

func TestSaveUnknownFormat(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "gradients.h5"), "h5", sampleResult())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]string{
		"out/gradients.npz":  FormatNPZ,
		"out/gradients.json": FormatJSON,
		"out/gradients.TSV":  FormatTSV,
		"out/gradients.csv":  FormatCSV,
	}
	for path, want := range cases {
		format, err := DetectFormat(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, format, path)
	}

	_, err := DetectFormat("out/gradients.h5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	assert.True(t, IsText(FormatTSV))
	assert.True(t, IsText(FormatCSV))
	assert.False(t, IsText(FormatNPZ))
}
