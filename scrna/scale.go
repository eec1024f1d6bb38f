package scrna

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"gonum.org/v1/gonum/stat"
)

// ScaleData z-scores each variable feature of Data across cells using the
// sample standard deviation, and clips the result at scaleMax. A scaleMax of
// zero disables clipping. Constant features scale to zero.
func (a *Analysis) ScaleData(scaleMax float64) error {
	if err := a.requireData("ScaleData"); err != nil {
		return err
	}
	if len(a.VariableFeatures) == 0 {
		return errors.E(errors.Precondition, "scrna: ScaleData requires variable features; run FindVariableFeatures first")
	}
	if scaleMax < 0 {
		return errors.E(errors.Invalid, "scrna: scale max must not be negative")
	}
	a.invalidate(stageScale)
	scaled := a.Data.DenseRows(a.VariableFeatures)
	err := traverse.Each(len(a.VariableFeatures), func(k int) error {
		row := scaled.RawRowView(k)
		mean, sd := stat.MeanStdDev(row, nil)
		for j, v := range row {
			if sd == 0 || math.IsNaN(sd) {
				row[j] = 0
				continue
			}
			z := (v - mean) / sd
			if scaleMax > 0 && z > scaleMax {
				z = scaleMax
			}
			row[j] = z
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.Scaled = scaled
	log.Printf("scrna: scaled %d features x %d cells (max %v)", len(a.VariableFeatures), a.NumCells(), scaleMax)
	return nil
}
