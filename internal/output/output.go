// Package output serializes gradient results and writes the provenance
// record for derivative datasets.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
)

// Format names accepted by --output_format.
const (
	FormatNPZ  = "npz"
	FormatJSON = "json"
	FormatTSV  = "tsv"
	FormatCSV  = "csv"
)

// Formats lists the supported output format names.
var Formats = []string{FormatNPZ, FormatJSON, FormatTSV, FormatCSV}

// ErrUnsupportedFormat reports a format name or filename extension with no
// writer.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Save writes a gradient result to path in the named format. The npz and
// json writers carry gradients and lambdas; the text writers carry the
// gradients matrix only.
func Save(path, format string, result *gradient.Result) error {
	switch format {
	case FormatNPZ:
		return saveNPZ(path, result)
	case FormatJSON:
		return saveJSON(path, result)
	case FormatTSV:
		return saveText(path, result, '\t')
	case FormatCSV:
		return saveText(path, result, ',')
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// DetectFormat maps a filename extension onto a format name.
func DetectFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npz":
		return FormatNPZ, nil
	case ".json":
		return FormatJSON, nil
	case ".tsv":
		return FormatTSV, nil
	case ".csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

// IsText reports whether a format stores the gradients matrix only.
func IsText(format string) bool {
	return format == FormatTSV || format == FormatCSV
}

func saveJSON(path string, result *gradient.Result) error {
	rows, cols := result.Gradients.Dims()
	gradients := make([][]float64, rows)
	for i := range gradients {
		row := make([]float64, cols)
		copy(row, result.Gradients.RawRowView(i))
		gradients[i] = row
	}
	lambdas := result.Lambdas
	if lambdas == nil {
		lambdas = []float64{}
	}
	payload, err := json.Marshal(map[string]any{
		"gradients": gradients,
		"lambdas":   lambdas,
	})
	if err != nil {
		return fmt.Errorf("encode gradients: %w", err)
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

func saveText(path string, result *gradient.Result, delimiter byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, cols := result.Gradients.Dims()
	var sb strings.Builder
	for i := 0; i < rows; i++ {
		sb.Reset()
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteByte(delimiter)
			}
			fmt.Fprintf(&sb, "%.18e", result.Gradients.At(i, j))
		}
		sb.WriteByte('\n')
		if _, err := f.WriteString(sb.String()); err != nil {
			return err
		}
	}
	return f.Close()
}
