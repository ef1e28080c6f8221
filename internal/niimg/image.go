// Package niimg reads and writes the neuroimaging containers the gradient
// pipeline consumes: NIfTI-1 volumes (.nii, .nii.gz) and GIFTI surface
// data files (.gii).
//
// Decoded images hold their elements as float64 in canonical order, where
// the first axis varies fastest. That matches the on-disk voxel order of
// NIfTI, so a flattened volume and a flattened parcellation of the same
// grid always line up column for column.
package niimg

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Image is an n-dimensional array decoded from a NIfTI or GIFTI file.
// Data holds the elements in canonical order, first axis fastest.
type Image struct {
	Dims []int
	Data []float64
}

// NewImage validates dims against the element count and wraps data without
// copying it.
func NewImage(dims []int, data []float64) (*Image, error) {
	n := 1
	for _, d := range dims {
		if d < 1 {
			return nil, fmt.Errorf("image dimension %d is not positive", d)
		}
		n *= d
	}
	if len(dims) == 0 || n != len(data) {
		return nil, fmt.Errorf("image dimensions %v do not describe %d elements", dims, len(data))
	}
	return &Image{Dims: dims, Data: data}, nil
}

// Squeeze returns the image with all length-one axes removed. A scalar
// image keeps a single axis of length one.
func (img *Image) Squeeze() *Image {
	dims := make([]int, 0, len(img.Dims))
	for _, d := range img.Dims {
		if d != 1 {
			dims = append(dims, d)
		}
	}
	if len(dims) == 0 {
		dims = []int{1}
	}
	return &Image{Dims: dims, Data: img.Data}
}

// Timeseries reshapes the image into a timepoints-by-regions matrix. The
// last axis is time and the remaining axes flatten into the region axis in
// canonical order, so in a 4D volume the region index runs x fastest. A
// one-dimensional image becomes a single-region series.
func (img *Image) Timeseries() *mat.Dense {
	dims := img.Dims
	t := dims[len(dims)-1]
	v := 1
	for _, d := range dims[:len(dims)-1] {
		v *= d
	}
	if len(dims) == 1 {
		t, v = dims[0], 1
	}
	// Canonical order makes the last axis slowest, so each timepoint is a
	// contiguous block of v elements and the reshape is row major already.
	data := make([]float64, len(img.Data))
	copy(data, img.Data)
	return mat.NewDense(t, v, data)
}

// Labels flattens the image into a label vector in canonical order.
func (img *Image) Labels() []float64 {
	out := make([]float64, len(img.Data))
	copy(out, img.Data)
	return out
}

// IsVolume reports whether path names a NIfTI volume.
func IsVolume(path string) bool {
	return strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz")
}

// IsSurface reports whether path names a GIFTI file.
func IsSurface(path string) bool {
	return strings.HasSuffix(path, ".gii")
}

// Load reads an image from disk, dispatching on the file extension.
func Load(path string) (*Image, error) {
	switch {
	case IsVolume(path):
		return LoadNIfTI(path)
	case IsSurface(path):
		return LoadGIfTI(path)
	}
	return nil, fmt.Errorf("%s: input image must be a NIfTI or GIFTI image", path)
}

// Save writes an image to disk, dispatching on the file extension.
func Save(path string, img *Image) error {
	switch {
	case IsVolume(path):
		return SaveNIfTI(path, img)
	case IsSurface(path):
		return SaveGIfTI(path, img)
	}
	return fmt.Errorf("%s: output image must be a NIfTI or GIFTI image", path)
}
