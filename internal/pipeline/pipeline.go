// Package pipeline strings the gradient computation together. It validates
// the resolved input files, loads and optionally parcellates every
// timeseries with a bounded worker pool, folds them into a group
// connectivity matrix, and decomposes that into gradients.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
	"github.com/cmi-dair/ba-timeseries-gradients/internal/niimg"
)

// ValidateInputFiles checks that the resolved input files form a coherent
// dataset: at least one file, all NIfTI or all GIFTI, and a parcellation
// whenever the files are volumes. Volumes carry no shared vertex space, so
// their voxels only become comparable regions through a parcellation.
func ValidateInputFiles(files []string, parcellation string) error {
	if len(files) == 0 {
		return inputErrorf("No input files found.")
	}
	volumes, surfaces := 0, 0
	for _, file := range files {
		switch {
		case niimg.IsVolume(file):
			volumes++
		case niimg.IsSurface(file):
			surfaces++
		default:
			return inputErrorf("%s: input files must be NIFTI or GIFTI files", file)
		}
	}
	if volumes > 0 && surfaces > 0 {
		return inputErrorf("Input files must be either GIFTI or NIFTI files, not both.")
	}
	if volumes > 0 && parcellation == "" {
		return inputErrorf("Must provide a parcellation if input files are volume files.")
	}
	return nil
}

// ReadFileList parses a text file naming one input file per line. Blank
// lines are skipped. The list must be non-empty, name only existing files,
// and contain no duplicates.
func ReadFileList(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input list: %w", err)
	}
	var files []string
	for _, line := range strings.Split(string(contents), "\n") {
		if file := strings.TrimSpace(line); file != "" {
			files = append(files, file)
		}
	}
	if len(files) == 0 {
		return nil, inputErrorf("Input list is empty.")
	}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			return nil, inputErrorf("Not all files in input list exist. Please check your input list.")
		}
	}
	seen := make(map[string]struct{}, len(files))
	for _, file := range files {
		if _, dup := seen[file]; dup {
			return nil, inputErrorf("Input list contains duplicate files. Please check your input list.")
		}
		seen[file] = struct{}{}
	}
	return files, nil
}

// ComputeGradients loads every input timeseries, folds them into a group
// connectivity matrix, and decomposes it into gradients. Files load on at
// most jobs workers and a cancelled context abandons the remaining files.
func ComputeGradients(ctx context.Context, files []string, parcellationFile string, opts gradient.Options, jobs int, log *zap.Logger) (*gradient.Result, error) {
	var labels []float64
	if parcellationFile != "" {
		log.Debug("Loading parcellation.", zap.String("path", parcellationFile))
		img, err := niimg.Load(parcellationFile)
		if err != nil {
			return nil, fmt.Errorf("load parcellation: %w", err)
		}
		labels = img.Squeeze().Labels()
	}

	log.Info("Computing connectivity matrix...", zap.Int("files", len(files)))
	acc := gradient.NewAccumulator(len(files))
	group, gctx := errgroup.WithContext(ctx)
	if jobs < 1 {
		jobs = 1
	}
	group.SetLimit(jobs)
	for _, file := range files {
		file := file
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			log.Debug("Processing file.", zap.String("path", file))
			ts, err := loadTimeseries(file, labels)
			if err != nil {
				return err
			}
			if err := acc.Add(ts); err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	conn, err := acc.Group()
	if err != nil {
		return nil, err
	}

	log.Info("Computing gradients...")
	return gradient.Compute(conn, opts)
}

func loadTimeseries(path string, labels []float64) (*mat.Dense, error) {
	img, err := niimg.Load(path)
	if err != nil {
		return nil, err
	}
	ts := img.Squeeze().Timeseries()
	if labels == nil {
		return ts, nil
	}
	parcellated, err := gradient.Parcellate(ts, labels)
	if err != nil {
		return nil, inputErrorf("%s: %v", path, err)
	}
	return parcellated, nil
}
