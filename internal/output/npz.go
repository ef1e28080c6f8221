package output

import (
	"archive/zip"
	"fmt"
	"os"

	"github.com/sbinet/npyio"

	"github.com/cmi-dair/ba-timeseries-gradients/internal/gradient"
)

// Archive member names inside the npz output.
const (
	npzGradientsEntry = "gradients.npy"
	npzLambdasEntry   = "lambdas.npy"
)

// saveNPZ writes the result as a numpy archive holding a gradients matrix
// and a lambdas vector.
func saveNPZ(path string, result *gradient.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	gw, err := zw.Create(npzGradientsEntry)
	if err != nil {
		return fmt.Errorf("create %s: %w", npzGradientsEntry, err)
	}
	if err := npyio.Write(gw, result.Gradients); err != nil {
		return fmt.Errorf("write %s: %w", npzGradientsEntry, err)
	}

	lw, err := zw.Create(npzLambdasEntry)
	if err != nil {
		return fmt.Errorf("create %s: %w", npzLambdasEntry, err)
	}
	lambdas := result.Lambdas
	if lambdas == nil {
		lambdas = []float64{}
	}
	if err := npyio.Write(lw, lambdas); err != nil {
		return fmt.Errorf("write %s: %w", npzLambdasEntry, err)
	}

	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}
