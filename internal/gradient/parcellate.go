package gradient

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Parcellate averages timeseries columns that share a label. Output
// columns follow ascending label order and every label participates,
// including zero or negative ones.
func Parcellate(ts mat.Matrix, labels []float64) (*mat.Dense, error) {
	timepoints, regions := ts.Dims()
	if len(labels) != regions {
		return nil, fmt.Errorf("parcellation has %d labels for %d timeseries columns", len(labels), regions)
	}

	index := make(map[float64]int, len(labels))
	unique := make([]float64, 0, len(labels))
	for _, label := range labels {
		if _, seen := index[label]; !seen {
			index[label] = 0
			unique = append(unique, label)
		}
	}
	sort.Float64s(unique)
	for i, label := range unique {
		index[label] = i
	}

	out := mat.NewDense(timepoints, len(unique), nil)
	counts := make([]float64, len(unique))
	for j, label := range labels {
		k := index[label]
		counts[k]++
		for i := 0; i < timepoints; i++ {
			out.Set(i, k, out.At(i, k)+ts.At(i, j))
		}
	}
	for k, count := range counts {
		for i := 0; i < timepoints; i++ {
			out.Set(i, k, out.At(i, k)/count)
		}
	}
	return out, nil
}
