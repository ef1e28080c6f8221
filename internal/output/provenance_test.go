package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/bids"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/version"
)

func TestWriteDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset_description.json")
	source := &bids.Description{Name: "Ten Subject Pilot", BIDSVersion: "1.7.0"}

	runID, err := WriteDescription(path, source, gradient.DefaultOptions())
	require.NoError(t, err)
	_, err = uuid.Parse(runID)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var description DerivativeDescription
	require.NoError(t, json.Unmarshal(raw, &description))

	assert.Equal(t, "Ten Subject Pilot - ba_timeseries_gradients", description.Name)
	assert.Equal(t, "1.7.0", description.BIDSVersion)
	assert.Equal(t, "derivative", description.DatasetType)
	require.Len(t, description.GeneratedBy, 1)

	generatedBy := description.GeneratedBy[0]
	assert.Equal(t, ToolName, generatedBy.Name)
	assert.Equal(t, version.Version, generatedBy.Version)
	assert.Equal(t, runID, generatedBy.ID)
	assert.Equal(t, "dm", generatedBy.Parameters["dimensionality_reduction"])
	assert.Equal(t, "cosine", generatedBy.Parameters["kernel"])
	assert.InDelta(t, 0.9, generatedBy.Parameters["sparsity"].(float64), 1e-12)
}

func TestWriteDescriptionWithoutSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset_description.json")

	_, err := WriteDescription(path, nil, gradient.DefaultOptions())
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var description DerivativeDescription
	require.NoError(t, json.Unmarshal(raw, &description))
	assert.Equal(t, ToolName, description.Name)
	assert.Equal(t, defaultBIDSVersion, description.BIDSVersion)
}
