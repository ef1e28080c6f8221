package gradient

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Affinity turns a connectivity matrix into a non-negative affinity
// matrix. Each row first keeps only its strongest entries, then the
// kernel converts pairs of rows into similarities, and finally negative
// similarities clip to zero.
func Affinity(conn mat.Matrix, kernel string, sparsity float64) (*mat.Dense, error) {
	x := mat.DenseCopyOf(conn)
	if sparsity > 0 {
		if err := sparsifyRows(x, sparsity); err != nil {
			return nil, err
		}
	}
	affinity, err := applyKernel(x, kernel)
	if err != nil {
		return nil, err
	}
	rows, cols := affinity.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if affinity.At(i, j) < 0 {
				affinity.Set(i, j, 0)
			}
		}
	}
	return affinity, nil
}

// sparsifyRows zeroes all but the keep = floor(n*(1-sparsity)) largest
// entries of every row. Ties at the cutoff resolve by index, lower
// indices dropping first.
func sparsifyRows(x *mat.Dense, sparsity float64) error {
	rows, cols := x.Dims()
	keep := int(float64(cols) * (1 - sparsity))
	if keep <= 0 {
		return fmt.Errorf("sparsity %v keeps no entries in rows of length %d", sparsity, cols)
	}
	if keep >= cols {
		return nil
	}
	order := make([]int, cols)
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		for j := range order {
			order[j] = j
		}
		sort.Slice(order, func(a, b int) bool {
			va, vb := row[order[a]], row[order[b]]
			if va != vb {
				return va < vb
			}
			return order[a] < order[b]
		})
		for _, j := range order[:cols-keep] {
			row[j] = 0
		}
	}
	return nil
}

func applyKernel(x *mat.Dense, kernel string) (*mat.Dense, error) {
	switch kernel {
	case KernelPearson:
		return rowCorrelation(x, false), nil
	case KernelSpearman:
		return rowCorrelation(x, true), nil
	case KernelCosine:
		return cosineSimilarity(x), nil
	case KernelNormalizedAngle:
		affinity := cosineSimilarity(x)
		rows, cols := affinity.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				c := affinity.At(i, j)
				if c > 1 {
					c = 1
				} else if c < -1 {
					c = -1
				}
				affinity.Set(i, j, 1-math.Acos(c)/math.Pi)
			}
		}
		return affinity, nil
	case KernelGaussian:
		return gaussianKernel(x), nil
	}
	return nil, fmt.Errorf("unknown kernel %q", kernel)
}

// rowCorrelation computes Pearson correlations between rows. With ranked
// set, values are first replaced by their within-row tie-averaged ranks,
// which yields Spearman correlations.
func rowCorrelation(x *mat.Dense, ranked bool) *mat.Dense {
	rows, cols := x.Dims()
	centered := mat.NewDense(rows, cols, nil)
	buf := make([]float64, cols)
	for i := 0; i < rows; i++ {
		copy(buf, x.RawRowView(i))
		if ranked {
			rankRow(buf)
		}
		mean := 0.0
		for _, v := range buf {
			mean += v
		}
		mean /= float64(cols)
		for j, v := range buf {
			centered.Set(i, j, v-mean)
		}
	}
	return normalizedGram(centered)
}

// cosineSimilarity computes the cosine of the angle between every pair of
// rows.
func cosineSimilarity(x *mat.Dense) *mat.Dense {
	return normalizedGram(x)
}

// normalizedGram returns G_ij / sqrt(G_ii G_jj) for the Gram matrix of
// the rows of x.
func normalizedGram(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	var gram mat.Dense
	gram.Mul(x, x.T())
	norm := make([]float64, rows)
	for i := range norm {
		norm[i] = math.Sqrt(gram.At(i, i))
	}
	out := mat.NewDense(rows, rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			out.Set(i, j, gram.At(i, j)/(norm[i]*norm[j]))
		}
	}
	return out
}

// gaussianKernel computes exp(-gamma * ||x_i - x_j||^2) with gamma set to
// the reciprocal of the feature count.
func gaussianKernel(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	gamma := 1 / float64(cols)
	var gram mat.Dense
	gram.Mul(x, x.T())
	out := mat.NewDense(rows, rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			d2 := gram.At(i, i) + gram.At(j, j) - 2*gram.At(i, j)
			if d2 < 0 {
				d2 = 0
			}
			out.Set(i, j, math.Exp(-gamma*d2))
		}
	}
	return out
}

// rankRow replaces values with their one-based ranks, ties sharing the
// mean of the ranks they span.
func rankRow(v []float64) {
	n := len(v)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return v[order[a]] < v[order[b]] })
	ranks := make([]float64, n)
	for start := 0; start < n; {
		end := start + 1
		for end < n && v[order[end]] == v[order[start]] {
			end++
		}
		mean := float64(start+end+1) / 2
		for k := start; k < end; k++ {
			ranks[order[k]] = mean
		}
		start = end
	}
	copy(v, ranks)
}
