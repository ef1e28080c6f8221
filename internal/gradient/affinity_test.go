package gradient

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSparsifyRowsKeepCount(t *testing.T) {
	data := make([]float64, 100)
	for i := range data {
		data[i] = float64(i)
	}
	x := mat.NewDense(1, 100, data)
	require.NoError(t, sparsifyRows(x, 0.9))

	// floor(100 * (1 - 0.9)) keeps nine entries, not ten, because the
	// subtraction rounds just below 0.1.
	kept := 0
	for j := 0; j < 100; j++ {
		if x.At(0, j) != 0 {
			kept++
			assert.GreaterOrEqual(t, x.At(0, j), 91.0)
		}
	}
	assert.Equal(t, 9, kept)
}

func TestSparsifyRowsTiesDropLowerIndices(t *testing.T) {
	x := mat.NewDense(1, 4, []float64{1, 1, 1, 1})
	require.NoError(t, sparsifyRows(x, 0.5))
	assert.Equal(t, []float64{0, 0, 1, 1}, x.RawRowView(0))
}

func TestSparsifyRowsRejectsEmptyRows(t *testing.T) {
	x := mat.NewDense(1, 10, nil)
	err := sparsifyRows(x, 0.95)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keeps no entries")

	// The default sparsity needs more than ten columns to keep anything.
	err = sparsifyRows(x, 0.9)
	require.Error(t, err)
}

func TestAffinityCosine(t *testing.T) {
	conn := mat.NewDense(2, 2, []float64{
		1, 0,
		1, 1,
	})
	affinity, err := Affinity(conn, KernelCosine, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, affinity.At(0, 0), 1e-12)
	assert.InDelta(t, 1/math.Sqrt2, affinity.At(0, 1), 1e-12)
	assert.InDelta(t, affinity.At(0, 1), affinity.At(1, 0), 1e-15)
}

func TestAffinityClipsNegativeSimilarities(t *testing.T) {
	conn := mat.NewDense(2, 2, []float64{
		1, 0,
		-1, 0,
	})
	affinity, err := Affinity(conn, KernelCosine, 0)
	require.NoError(t, err)
	// Opposite rows have cosine -1, clipped to zero.
	assert.Equal(t, 0.0, affinity.At(0, 1))
	assert.Equal(t, 0.0, affinity.At(1, 0))
}

func TestAffinityNormalizedAngle(t *testing.T) {
	conn := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	affinity, err := Affinity(conn, KernelNormalizedAngle, 0)
	require.NoError(t, err)
	// Orthogonal rows sit at half the angular range.
	assert.InDelta(t, 0.5, affinity.At(0, 1), 1e-12)
	assert.InDelta(t, 1, affinity.At(0, 0), 1e-12)
}

func TestAffinityGaussian(t *testing.T) {
	conn := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
	affinity, err := Affinity(conn, KernelGaussian, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, affinity.At(0, 0), 1e-12)
	// Squared distance two at gamma one half.
	assert.InDelta(t, math.Exp(-1), affinity.At(0, 1), 1e-12)
}

func TestAffinitySpearmanIsInvariantToMonotoneMaps(t *testing.T) {
	conn := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		1, 4, 9, 16,
	})
	affinity, err := Affinity(conn, KernelSpearman, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, affinity.At(0, 1), 1e-12)

	pearson, err := Affinity(conn, KernelPearson, 0)
	require.NoError(t, err)
	assert.Less(t, pearson.At(0, 1), 1.0)
}

func TestRankRowAveragesTies(t *testing.T) {
	v := []float64{3, 1, 4, 1, 5}
	rankRow(v)
	assert.Equal(t, []float64{3, 1.5, 4, 1.5, 5}, v)
}
