package bids

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DescriptionFilename is the metadata file at the root of every BIDS
// dataset.
const DescriptionFilename = "dataset_description.json"

// Description is the subset of dataset_description.json the tools use.
type Description struct {
	Name        string `json:"Name"`
	BIDSVersion string `json:"BIDSVersion"`
	DatasetType string `json:"DatasetType,omitempty"`
}

// ReadDescription loads the dataset description from a dataset root. A
// missing file returns nil without an error, since unvalidated datasets
// often lack one.
func ReadDescription(root string) (*Description, error) {
	raw, err := os.ReadFile(filepath.Join(root, DescriptionFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var description Description
	if err := json.Unmarshal(raw, &description); err != nil {
		return nil, fmt.Errorf("parse %s: %w", DescriptionFilename, err)
	}
	return &description, nil
}
