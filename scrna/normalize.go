package scrna

import (
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Normalization methods.
const (
	// LogNormalize divides each count by the cell total, multiplies by the
	// scale factor and takes log1p.
	LogNormalize = "LogNormalize"
	// RC is LogNormalize without the log.
	RC = "RC"
	// CLR is the centered log ratio of each feature across cells,
	// log1p(x/g) with g = exp(mean(log1p(x))) over all cells.
	CLR = "CLR"
)

// NormalizeData computes Data from Counts. Zeros stay zero. scaleFactor is
// ignored by CLR.
func (a *Analysis) NormalizeData(method string, scaleFactor float64) error {
	switch method {
	case LogNormalize, RC, CLR:
	default:
		return errors.E(errors.Invalid, "scrna: unknown normalization method "+method)
	}
	if scaleFactor <= 0 && method != CLR {
		return errors.E(errors.Invalid, "scrna: scale factor must be positive")
	}
	a.invalidate(stageNormalize)
	switch method {
	case LogNormalize, RC:
		totals := a.NCount
		doLog := method == LogNormalize
		a.Data = a.Counts.Apply(func(i, j int, v float64) float64 {
			x := v / totals[j] * scaleFactor
			if doLog {
				return math.Log1p(x)
			}
			return x
		})
	case CLR:
		n := float64(a.NumCells())
		logSum := make([]float64, a.NumFeatures())
		for p, r := range a.Counts.RowIdx {
			logSum[r] += math.Log1p(a.Counts.Val[p])
		}
		geo := make([]float64, len(logSum))
		for i, s := range logSum {
			geo[i] = math.Exp(s / n)
		}
		a.Data = a.Counts.Apply(func(i, j int, v float64) float64 {
			return math.Log1p(v / geo[i])
		})
	}
	a.Normalization = method
	log.Printf("scrna: normalized %d cells with %s (scale factor %v)", a.NumCells(), method, scaleFactor)
	return nil
}
