// Package gradient derives connectivity gradients: low-dimensional
// embeddings of a connectivity matrix whose components order regions along
// their dominant connectivity transitions. A gradient decomposition runs
// in three stages: row sparsification, an affinity kernel, and a spectral
// embedding.
package gradient

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Dimensionality reduction approaches.
const (
	ApproachPCA = "pca"
	ApproachLE  = "le"
	ApproachDM  = "dm"
)

// Affinity kernels.
const (
	KernelPearson         = "pearson"
	KernelSpearman        = "spearman"
	KernelNormalizedAngle = "normalized_angle"
	KernelCosine          = "cosine"
	KernelGaussian        = "gaussian"
)

// Approaches lists the valid dimensionality reduction names.
var Approaches = []string{ApproachPCA, ApproachLE, ApproachDM}

// Kernels lists the valid affinity kernel names.
var Kernels = []string{KernelPearson, KernelSpearman, KernelNormalizedAngle, KernelCosine, KernelGaussian}

// Options configures a gradient decomposition.
type Options struct {
	// NComponents is the number of gradients to extract. The spectrum of
	// the input caps the count: dm and le yield at most one component
	// fewer than the matrix has rows.
	NComponents int
	// Approach is the dimensionality reduction method.
	Approach string
	// Kernel builds the affinity matrix from the sparsified rows.
	Kernel string
	// Sparsity is the fraction of weakest entries zeroed in every row
	// before the kernel, in [0, 1). Zero disables sparsification.
	Sparsity float64
}

// DefaultOptions mirrors the command line defaults.
func DefaultOptions() Options {
	return Options{
		NComponents: 10,
		Approach:    ApproachDM,
		Kernel:      KernelCosine,
		Sparsity:    0.9,
	}
}

func (o Options) validate() error {
	if o.NComponents < 1 {
		return fmt.Errorf("number of components must be positive, got %d", o.NComponents)
	}
	if o.Sparsity < 0 || o.Sparsity >= 1 {
		return fmt.Errorf("sparsity must be in [0, 1), got %v", o.Sparsity)
	}
	if !contains(Approaches, o.Approach) {
		return fmt.Errorf("unknown dimensionality reduction %q", o.Approach)
	}
	if !contains(Kernels, o.Kernel) {
		return fmt.Errorf("unknown kernel %q", o.Kernel)
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Result holds the gradient components and their eigenvalues.
type Result struct {
	// Gradients has one row per region and one column per component.
	Gradients *mat.Dense
	// Lambdas holds the component eigenvalues in the approach's natural
	// order: descending diffusion weights for dm, ascending Laplacian
	// eigenvalues for le, descending explained variance ratios for pca.
	Lambdas []float64
}

// Compute derives gradients from a square connectivity matrix.
func Compute(conn mat.Matrix, opts Options) (*Result, error) {
	rows, cols := conn.Dims()
	if rows != cols {
		return nil, fmt.Errorf("connectivity matrix must be square, got %dx%d", rows, cols)
	}
	if rows < 2 {
		return nil, fmt.Errorf("connectivity matrix must have at least two rows, got %d", rows)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	affinity, err := Affinity(conn, opts.Kernel, opts.Sparsity)
	if err != nil {
		return nil, err
	}
	switch opts.Approach {
	case ApproachDM:
		return diffusionMaps(affinity, opts.NComponents)
	case ApproachLE:
		return laplacianEigenmaps(affinity, opts.NComponents)
	case ApproachPCA:
		return pcaMaps(affinity, opts.NComponents)
	}
	return nil, fmt.Errorf("unknown dimensionality reduction %q", opts.Approach)
}
