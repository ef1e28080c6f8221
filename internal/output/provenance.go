package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/bids"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/version"
)

// ToolName is the pipeline name stamped into provenance records.
const ToolName = "ba_timeseries_gradients"

// defaultBIDSVersion is used when the source dataset does not declare one.
const defaultBIDSVersion = "1.8.0"

// GeneratedBy is one entry of the provenance chain in a derivative
// dataset description.
type GeneratedBy struct {
	Name       string         `json:"Name"`
	Version    string         `json:"Version"`
	CodeURL    string         `json:"CodeURL,omitempty"`
	ID         string         `json:"ID,omitempty"`
	Parameters map[string]any `json:"Parameters,omitempty"`
}

// DerivativeDescription is the dataset_description.json written next to
// group outputs.
type DerivativeDescription struct {
	Name        string        `json:"Name"`
	BIDSVersion string        `json:"BIDSVersion"`
	DatasetType string        `json:"DatasetType"`
	GeneratedBy []GeneratedBy `json:"GeneratedBy"`
}

// WriteDescription writes the derivative dataset description to path and
// returns the generated run identifier. source may be nil when the input
// dataset has no description of its own.
func WriteDescription(path string, source *bids.Description, opts gradient.Options) (string, error) {
	name := ToolName
	bidsVersion := defaultBIDSVersion
	if source != nil {
		if source.Name != "" {
			name = fmt.Sprintf("%s - %s", source.Name, ToolName)
		}
		if source.BIDSVersion != "" {
			bidsVersion = source.BIDSVersion
		}
	}
	runID := uuid.NewString()
	description := DerivativeDescription{
		Name:        name,
		BIDSVersion: bidsVersion,
		DatasetType: "derivative",
		GeneratedBy: []GeneratedBy{{
			Name:    ToolName,
			Version: version.Version,
			CodeURL: version.CodeURL,
			ID:      runID,
			Parameters: map[string]any{
				"dimensionality_reduction": opts.Approach,
				"kernel":                   opts.Kernel,
				"sparsity":                 opts.Sparsity,
				"n_components":             opts.NComponents,
			},
		}},
	}
	payload, err := json.MarshalIndent(description, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode dataset description: %w", err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return "", err
	}
	return runID, nil
}
