package scrna

import (
	"context"
	"fmt"
	"io"
	"math"
	"regexp"

	"github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/unsafe"
)

// PercentageFeatureSet adds (or replaces) the cell column name holding the
// percentage of each cell's counts that come from features whose name matches
// pattern. Cells without counts get 0.
func (a *Analysis) PercentageFeatureSet(name, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.E(errors.Invalid, err, "scrna: feature pattern "+pattern)
	}
	match := make([]bool, a.NumFeatures())
	nMatch := 0
	for i, f := range a.Features {
		if re.MatchString(f.Name) {
			match[i] = true
			nMatch++
		}
	}
	if nMatch == 0 {
		log.Error.Printf("scrna: no feature matches %q; %s is zero for all cells", pattern, name)
	}
	values := make([]float64, a.NumCells())
	for j := range values {
		if a.NCount[j] == 0 {
			continue
		}
		rows, vals := a.Counts.Col(j)
		var s float64
		for p, r := range rows {
			if match[r] {
				s += vals[p]
			}
		}
		values[j] = 100 * s / a.NCount[j]
	}
	col := QCColumn{Name: name, Values: values}
	for k := range a.QC {
		if a.QC[k].Name == name {
			a.QC[k] = col
			return nil
		}
	}
	a.QC = append(a.QC, col)
	log.Debug.Printf("scrna: %s: %d features match %q", name, nMatch, pattern)
	return nil
}

// FilterCells keeps the cells within t. The feature set is unchanged.
// Applying the same thresholds again keeps every cell. Downstream results are
// discarded only if a cell was removed. It is an error if no cell passes.
func (a *Analysis) FilterCells(t QCThresholds) error {
	var percent []float64
	if t.MaxPercent > 0 {
		var err error
		if percent, err = a.QCColumn(t.Percent); err != nil {
			return errors.E(errors.Precondition, err, "scrna: run PercentageFeatureSet before filtering on it")
		}
	}
	var keep []int
	for j := 0; j < a.NumCells(); j++ {
		nf := a.NFeature[j]
		if nf <= t.MinFeatures {
			continue
		}
		if t.MaxFeatures > 0 && nf >= t.MaxFeatures {
			continue
		}
		if percent != nil && !(percent[j] < t.MaxPercent) {
			continue
		}
		keep = append(keep, j)
	}
	if len(keep) == 0 {
		return errors.E(errors.Precondition,
			fmt.Sprintf("scrna: no cell passes %d < nFeature < %d, %s < %v", t.MinFeatures, t.MaxFeatures, t.Percent, t.MaxPercent))
	}
	before := a.NumCells()
	a.subsetCells(keep)
	log.Printf("scrna: kept %d of %d cells (%d < nFeature < %d, %s < %v)",
		len(keep), before, t.MinFeatures, t.MaxFeatures, t.Percent, t.MaxPercent)
	return nil
}

// DownsampleCells keeps about fraction of the cells. Whether a cell is kept
// depends only on its barcode and seed, so the selection doesn't depend on
// the cell order and nests for increasing fractions.
func (a *Analysis) DownsampleCells(fraction float64, seed uint64) error {
	if fraction <= 0 || fraction > 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("scrna: downsampling fraction must be in (0, 1], got %v", fraction))
	}
	if fraction == 1 {
		return nil
	}
	limit := uint64(fraction * math.MaxUint64)
	var keep []int
	for j, b := range a.Barcodes {
		if farm.Hash64WithSeed(unsafe.StringToBytes(b), seed) <= limit {
			keep = append(keep, j)
		}
	}
	if len(keep) == 0 {
		return errors.E(errors.Precondition, fmt.Sprintf("scrna: no cell left after downsampling to %v", fraction))
	}
	before := a.NumCells()
	a.subsetCells(keep)
	log.Printf("scrna: downsampled %d cells to %d", before, len(keep))
	return nil
}

// SubsetBarcodes keeps the cells whose barcode is listed, in their current
// order. Listed barcodes absent from the analysis are ignored.
func (a *Analysis) SubsetBarcodes(barcodes []string) error {
	want := make(map[string]bool, len(barcodes))
	for _, b := range barcodes {
		want[b] = true
	}
	var keep []int
	for j, b := range a.Barcodes {
		if want[b] {
			keep = append(keep, j)
		}
	}
	if len(keep) == 0 {
		return errors.E(errors.Precondition, "scrna: none of the listed barcodes is in the analysis")
	}
	if missing := len(want) - len(keep); missing > 0 {
		log.Error.Printf("scrna: %d listed barcodes are not in the analysis", missing)
	}
	before := a.NumCells()
	a.subsetCells(keep)
	log.Printf("scrna: kept %d of %d cells from the barcode list", len(keep), before)
	return nil
}

type barcodeRow struct {
	Barcode string `tsv:"barcode"`
}

// ReadBarcodes reads a TSV file with a "barcode" header column. Lines starting
// with '#' are ignored.
func ReadBarcodes(r io.Reader) ([]string, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	tr.Comment = '#'
	var barcodes []string
	for {
		var row barcodeRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "scrna: read barcodes")
		}
		barcodes = append(barcodes, row.Barcode)
	}
	return barcodes, nil
}

// ReadBarcodesFile reads the barcode list at path.
func ReadBarcodesFile(ctx context.Context, path string) (barcodes []string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "scrna: open barcodes "+path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadBarcodes(in.Reader(ctx))
}
