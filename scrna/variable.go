package scrna

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/loess"
	"gonum.org/v1/gonum/stat"
)

// Variable feature selection methods.
const (
	// VST fits a loess trend of log10(variance) on log10(mean) of the raw
	// counts, standardizes the counts with the expected variance, clips them
	// at sqrt(#cells), and ranks features by the variance of the result.
	VST = "vst"
	// Dispersion bins features by the log of their mean normalized
	// expression, and ranks them by the z-score of their log
	// variance-to-mean ratio within the bin.
	Dispersion = "dispersion"
)

// NumDispersionBins is the number of equal-width mean bins of the dispersion
// method.
const NumDispersionBins = 20

// FindVariableFeatures computes per-feature statistics with method and selects
// the nFeatures most variable features. Ties are broken by feature index.
// span is the loess span used by vst.
func (a *Analysis) FindVariableFeatures(method string, nFeatures int, span float64) error {
	if err := a.requireData("FindVariableFeatures"); err != nil {
		return err
	}
	if nFeatures < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("scrna: nfeatures must be positive, got %d", nFeatures))
	}
	switch method {
	case VST, Dispersion:
	default:
		return errors.E(errors.Invalid, "scrna: unknown selection method "+method)
	}
	a.invalidate(stageVariable)
	var err error
	if method == VST {
		err = a.vst(span)
	} else {
		a.dispersion()
	}
	if err != nil {
		return err
	}
	order := make([]int, a.NumFeatures())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return a.Features[order[x]].VarStandardized > a.Features[order[y]].VarStandardized
	})
	if nFeatures > len(order) {
		log.Error.Printf("scrna: %d variable features requested, only %d features available", nFeatures, len(order))
		nFeatures = len(order)
	}
	a.VariableFeatures = order[:nFeatures:nFeatures]
	for rank, i := range a.VariableFeatures {
		a.Features[i].Variable = true
		a.Features[i].Rank = rank
	}
	log.Printf("scrna: selected %d variable features with %s", nFeatures, method)
	return nil
}

func (a *Analysis) vst(span float64) error {
	mean, variance := a.Counts.RowMeanVar()
	var (
		x, y     []float64
		nonConst []int
	)
	for i := range mean {
		if variance[i] > 0 {
			x = append(x, math.Log10(mean[i]))
			y = append(y, math.Log10(variance[i]))
			nonConst = append(nonConst, i)
		}
	}
	if len(nonConst) < 3 {
		return errors.E(errors.Precondition, fmt.Sprintf("scrna: vst needs at least 3 non-constant features, found %d", len(nonConst)))
	}
	model, err := loess.Fit(x, y, loess.Opts{Span: span, Degree: 2})
	if err != nil {
		return errors.E(err, "scrna: vst trend")
	}
	expected := make([]float64, len(mean))
	for k, v := range model.Fitted() {
		expected[nonConst[k]] = math.Pow(10, v)
	}
	n := a.NumCells()
	vmax := math.Sqrt(float64(n))
	sum := make([]float64, len(mean))
	stored := make([]int, len(mean))
	for p, r := range a.Counts.RowIdx {
		if expected[r] == 0 {
			continue
		}
		z := math.Min((a.Counts.Val[p]-mean[r])/math.Sqrt(expected[r]), vmax)
		sum[r] += z * z
		stored[r]++
	}
	for i := range a.Features {
		f := &a.Features[i]
		f.Mean, f.Variance, f.VarExpected = mean[i], variance[i], expected[i]
		if expected[i] == 0 || n < 2 {
			continue
		}
		z := math.Min(-mean[i]/math.Sqrt(expected[i]), vmax)
		f.VarStandardized = (sum[i] + float64(n-stored[i])*z*z) / float64(n-1)
	}
	return nil
}

func (a *Analysis) dispersion() {
	n := float64(a.NumCells())
	nf := a.NumFeatures()
	sum := make([]float64, nf)
	sumSq := make([]float64, nf)
	for p, r := range a.Data.RowIdx {
		v := math.Expm1(a.Data.Val[p])
		sum[r] += v
		sumSq[r] += v * v
	}
	logMean := make([]float64, nf)
	logVMR := make([]float64, nf)
	minMean, maxMean := math.Inf(1), math.Inf(-1)
	for i := range sum {
		m := sum[i] / n
		var v float64
		if n > 1 {
			v = (sumSq[i] - n*m*m) / (n - 1)
		}
		logMean[i] = math.Log1p(m)
		if m > 0 && v > 0 {
			logVMR[i] = math.Log(v / m)
		}
		minMean = math.Min(minMean, logMean[i])
		maxMean = math.Max(maxMean, logMean[i])
	}
	width := (maxMean - minMean) / NumDispersionBins
	bin := func(m float64) int {
		if width == 0 {
			return 0
		}
		b := int((m - minMean) / width)
		if b >= NumDispersionBins {
			b = NumDispersionBins - 1
		}
		return b
	}
	members := make([][]float64, NumDispersionBins)
	for i := range logMean {
		b := bin(logMean[i])
		members[b] = append(members[b], logVMR[i])
	}
	binMean := make([]float64, NumDispersionBins)
	binSD := make([]float64, NumDispersionBins)
	for b, m := range members {
		if len(m) > 1 {
			mu, v := stat.MeanVariance(m, nil)
			binMean[b], binSD[b] = mu, math.Sqrt(v)
		}
	}
	for i := range a.Features {
		f := &a.Features[i]
		f.Mean, f.Variance = logMean[i], logVMR[i]
		if b := bin(logMean[i]); binSD[b] > 0 {
			f.VarStandardized = (logVMR[i] - binMean[b]) / binSD[b]
		}
	}
}
