package gradient

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Correlation returns the Pearson correlation between the columns of a
// timepoints-by-regions matrix, clipped to [-1, 1].
func Correlation(ts mat.Matrix) *mat.Dense {
	_, regions := ts.Dims()
	corr := mat.NewSymDense(regions, nil)
	stat.CorrelationMatrix(corr, ts, nil)
	out := mat.NewDense(regions, regions, nil)
	for i := 0; i < regions; i++ {
		for j := 0; j < regions; j++ {
			c := corr.At(i, j)
			if c > 1 {
				c = 1
			} else if c < -1 {
				c = -1
			}
			out.Set(i, j, c)
		}
	}
	return out
}

// Accumulator builds a group connectivity matrix from per-file
// timeseries. Every file contributes its Fisher z-transformed correlation
// matrix to a running mean and Group applies the inverse transform, so
// the result is the group mean in z space. Add is safe for concurrent
// use.
type Accumulator struct {
	mu    sync.Mutex
	total int
	added int
	sum   *mat.Dense
}

// NewAccumulator sizes the running mean for total files.
func NewAccumulator(total int) *Accumulator {
	return &Accumulator{total: total}
}

// Add folds one timepoints-by-regions matrix into the group mean.
func (a *Accumulator) Add(ts mat.Matrix) error {
	timepoints, regions := ts.Dims()
	if timepoints < 2 {
		return fmt.Errorf("timeseries must have at least two timepoints, got %d", timepoints)
	}
	corr := Correlation(ts)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.added == a.total {
		return fmt.Errorf("group matrix already holds %d timeseries", a.total)
	}
	if a.sum == nil {
		a.sum = mat.NewDense(regions, regions, nil)
	} else if prev, _ := a.sum.Dims(); prev != regions {
		return fmt.Errorf("timeseries has %d regions where earlier files had %d", regions, prev)
	}
	for i := 0; i < regions; i++ {
		for j := 0; j < regions; j++ {
			z := math.Atanh(corr.At(i, j)) / float64(a.total)
			a.sum.Set(i, j, a.sum.At(i, j)+z)
		}
	}
	a.added++
	return nil
}

// Group returns the group connectivity matrix once every file was added.
func (a *Accumulator) Group() (*mat.Dense, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.added != a.total {
		return nil, fmt.Errorf("group matrix expected %d timeseries, got %d", a.total, a.added)
	}
	if a.sum == nil {
		return nil, fmt.Errorf("group matrix has no timeseries")
	}
	regions, _ := a.sum.Dims()
	out := mat.NewDense(regions, regions, nil)
	for i := 0; i < regions; i++ {
		for j := 0; j < regions; j++ {
			out.Set(i, j, math.Tanh(a.sum.At(i, j)))
		}
	}
	return out, nil
}
