package gradient

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// epsDisconnected bounds how close a spectral value may come to its
// degenerate limit before the affinity graph is treated as disconnected.
const epsDisconnected = 1e-12

// diffusionMaps embeds the affinity matrix with diffusion maps using
// anisotropic diffusion at alpha 0.5 and the t->0 damped eigenvalue
// weighting lambda/(1-lambda).
func diffusionMaps(affinity *mat.Dense, nComponents int) (*Result, error) {
	n, _ := affinity.Dims()

	d, err := degrees(affinity, true)
	if err != nil {
		return nil, err
	}
	w := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			w.SetSym(i, j, affinity.At(i, j)/math.Sqrt(d[i]*d[j]))
		}
	}

	d2 := make([]float64, n)
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < n; j++ {
			s += w.At(i, j)
		}
		if s <= 0 || math.IsNaN(s) {
			return nil, fmt.Errorf("affinity matrix row %d has no weight after normalization", i)
		}
		d2[i] = s
	}
	transition := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			transition.SetSym(i, j, w.At(i, j)/math.Sqrt(d2[i]*d2[j]))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(transition, true) {
		return nil, fmt.Errorf("eigendecomposition of the diffusion operator did not converge")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// The trivial eigenpair sits at the top of the ascending spectrum. A
	// second eigenvalue at one means the graph has several components.
	if values[n-2] >= 1-epsDisconnected {
		return nil, fmt.Errorf("affinity graph is disconnected")
	}
	stationary := mat.Col(nil, n-1, &vectors)
	if largest(stationary) < 0 {
		for i := range stationary {
			stationary[i] = -stationary[i]
		}
	}
	for i, v := range stationary {
		if v == 0 {
			return nil, fmt.Errorf("affinity graph is disconnected at row %d", i)
		}
	}

	m := nComponents
	if m > n-1 {
		m = n - 1
	}
	gradients := mat.NewDense(n, m, nil)
	lambdas := make([]float64, m)
	for k := 0; k < m; k++ {
		value := values[n-2-k]
		weight := value / (1 - value)
		lambdas[k] = weight
		for i := 0; i < n; i++ {
			gradients.Set(i, k, vectors.At(i, n-2-k)/stationary[i]*weight)
		}
	}
	canonicalizeSigns(gradients)
	return &Result{Gradients: gradients, Lambdas: lambdas}, nil
}

// laplacianEigenmaps embeds the affinity matrix with the eigenvectors of
// the symmetric normalized graph Laplacian, ignoring self-loops.
func laplacianEigenmaps(affinity *mat.Dense, nComponents int) (*Result, error) {
	n, _ := affinity.Dims()

	d, err := degrees(affinity, false)
	if err != nil {
		return nil, err
	}
	dd := make([]float64, n)
	for i, v := range d {
		dd[i] = math.Sqrt(v)
	}
	laplacian := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		laplacian.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			laplacian.SetSym(i, j, -affinity.At(i, j)/(dd[i]*dd[j]))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(laplacian, true) {
		return nil, fmt.Errorf("eigendecomposition of the graph Laplacian did not converge")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Algebraic connectivity at zero means the graph has several
	// components.
	if values[1] <= epsDisconnected {
		return nil, fmt.Errorf("affinity graph is disconnected")
	}

	m := nComponents
	if m > n-1 {
		m = n - 1
	}
	gradients := mat.NewDense(n, m, nil)
	lambdas := make([]float64, m)
	for k := 0; k < m; k++ {
		lambdas[k] = values[k+1]
		for i := 0; i < n; i++ {
			gradients.Set(i, k, vectors.At(i, k+1)/dd[i])
		}
	}
	canonicalizeSigns(gradients)
	return &Result{Gradients: gradients, Lambdas: lambdas}, nil
}

// pcaMaps embeds the affinity matrix with a principal component analysis
// of its columns. Lambdas are the explained variance ratios.
func pcaMaps(affinity *mat.Dense, nComponents int) (*Result, error) {
	n, _ := affinity.Dims()

	centered := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += affinity.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			centered.Set(i, j, affinity.At(i, j)-mean)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(centered, mat.SVDThin) {
		return nil, fmt.Errorf("singular value decomposition of the affinity matrix did not converge")
	}
	values := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	m := nComponents
	if m > len(values) {
		m = len(values)
	}
	total := 0.0
	for _, s := range values {
		total += s * s
	}
	gradients := mat.NewDense(n, m, nil)
	lambdas := make([]float64, m)
	for k := 0; k < m; k++ {
		if total > 0 {
			lambdas[k] = values[k] * values[k] / total
		}
		for i := 0; i < n; i++ {
			gradients.Set(i, k, u.At(i, k)*values[k])
		}
	}
	canonicalizeSigns(gradients)
	return &Result{Gradients: gradients, Lambdas: lambdas}, nil
}

// degrees sums the rows of a square matrix. With self set, the diagonal
// participates. Zero or non-finite rows are rejected, since every later
// step divides by the degree.
func degrees(a mat.Matrix, self bool) ([]float64, error) {
	n, _ := a.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < n; j++ {
			if !self && i == j {
				continue
			}
			s += a.At(i, j)
		}
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("affinity matrix row %d contains non-finite values", i)
		}
		if s <= 0 {
			return nil, fmt.Errorf("affinity matrix row %d has zero degree, the graph is disconnected", i)
		}
		out[i] = s
	}
	return out, nil
}

// canonicalizeSigns flips every column whose largest-magnitude entry is
// negative, pinning an otherwise arbitrary eigenvector sign.
func canonicalizeSigns(m *mat.Dense) {
	rows, cols := m.Dims()
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, m)
		if largest(col) < 0 {
			for i := 0; i < rows; i++ {
				m.Set(i, j, -m.At(i, j))
			}
		}
	}
}

// largest returns the entry with the greatest magnitude.
func largest(v []float64) float64 {
	value, magnitude := 0.0, 0.0
	for _, x := range v {
		if a := math.Abs(x); a > magnitude {
			value, magnitude = x, a
		}
	}
	return value
}
