package scrna

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"gonum.org/v1/gonum/stat/distuv"
)

// rowEntries lists the stored values of every row of Data.
type rowEntries struct {
	cells [][]int32
	vals  [][]float64
}

func (a *Analysis) dataRows() rowEntries {
	nf := a.NumFeatures()
	re := rowEntries{cells: make([][]int32, nf), vals: make([][]float64, nf)}
	for j := 0; j < a.Data.NCols; j++ {
		rows, vals := a.Data.Col(j)
		for p, r := range rows {
			if vals[p] != 0 {
				re.cells[r] = append(re.cells[r], int32(j))
				re.vals[r] = append(re.vals[r], vals[p])
			}
		}
	}
	return re
}

// FindMarkers compares the cells of identity ident1 against those of ident2,
// or against all other cells if ident2 is empty, under the active clustering.
// Features expressed in fewer than opts.MinPct of the cells of both groups, or
// whose average log2 fold change is below opts.LogFCThreshold in absolute
// value (or below it at all with OnlyPos), are not tested. The rest are tested
// with a two-sided Wilcoxon rank-sum test. Results are sorted by p-value, then
// by decreasing fold change.
func (a *Analysis) FindMarkers(ident1, ident2 string, opts MarkerOpts) ([]Marker, error) {
	if err := a.requireData("FindMarkers"); err != nil {
		return nil, err
	}
	idents, err := a.Idents()
	if err != nil {
		return nil, err
	}
	group := make([]int8, len(idents)) // 1: first group, 2: second group
	var n1, n2 int
	for j, id := range idents {
		switch {
		case id == ident1:
			group[j] = 1
			n1++
		case ident2 == "" || id == ident2:
			group[j] = 2
			n2++
		}
	}
	if n1 == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("scrna: no cell has identity %q", ident1))
	}
	if n2 == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("scrna: no cell in the comparison group of %q", ident1))
	}
	return a.findMarkers(a.dataRows(), ident1, group, n1, n2, opts)
}

func (a *Analysis) findMarkers(rows rowEntries, cluster string, group []int8, n1, n2 int, opts MarkerOpts) ([]Marker, error) {
	expm1 := a.Normalization != RC
	nf := a.NumFeatures()
	results := make([]*Marker, nf)
	err := traverse.Each(nf, func(i int) error {
		var (
			sum1, sum2 float64
			nz1, nz2   int
		)
		for p, j := range rows.cells[i] {
			v := rows.vals[i][p]
			if expm1 {
				v = math.Expm1(v)
			}
			switch group[j] {
			case 1:
				sum1 += v
				nz1++
			case 2:
				sum2 += v
				nz2++
			}
		}
		pct1 := round3(float64(nz1) / float64(n1))
		pct2 := round3(float64(nz2) / float64(n2))
		if math.Max(pct1, pct2) < opts.MinPct {
			return nil
		}
		fc := math.Log2(sum1/float64(n1)+1) - math.Log2(sum2/float64(n2)+1)
		if opts.OnlyPos && fc < opts.LogFCThreshold {
			return nil
		}
		if math.Abs(fc) < opts.LogFCThreshold {
			return nil
		}
		p := wilcoxon(rows.cells[i], rows.vals[i], group, n1, n2)
		results[i] = &Marker{
			Feature:   a.Features[i].Name,
			Cluster:   cluster,
			PValue:    p,
			PValueAdj: math.Min(1, p*float64(nf)),
			AvgLog2FC: fc,
			Pct1:      pct1,
			Pct2:      pct2,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var markers []Marker
	for _, m := range results {
		if m != nil {
			markers = append(markers, *m)
		}
	}
	sort.SliceStable(markers, func(x, y int) bool {
		if markers[x].PValue != markers[y].PValue {
			return markers[x].PValue < markers[y].PValue
		}
		return markers[x].AvgLog2FC > markers[y].AvgLog2FC
	})
	return markers, nil
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// wilcoxon returns the two-sided p-value of the rank-sum test between the
// values of group 1 and group 2, using the normal approximation with tie and
// continuity corrections. Values not listed in cells are zero; all values are
// nonnegative.
func wilcoxon(cells []int32, vals []float64, group []int8, n1, n2 int) float64 {
	type obs struct {
		v float64
		g int8
	}
	var nonzero []obs
	var nz1 int
	for p, j := range cells {
		if g := group[j]; g != 0 {
			nonzero = append(nonzero, obs{vals[p], g})
			if g == 1 {
				nz1++
			}
		}
	}
	sort.Slice(nonzero, func(x, y int) bool { return nonzero[x].v < nonzero[y].v })
	n := float64(n1 + n2)
	zeros := n1 + n2 - len(nonzero)
	// Zeros share ranks 1..zeros.
	r1 := float64(n1-nz1) * float64(zeros+1) / 2
	ties := float64(zeros)*float64(zeros)*float64(zeros) - float64(zeros)
	for s := 0; s < len(nonzero); {
		e := s + 1
		for e < len(nonzero) && nonzero[e].v == nonzero[s].v {
			e++
		}
		rank := float64(zeros) + float64(s+e+1)/2
		t := float64(e - s)
		ties += t*t*t - t
		for k := s; k < e; k++ {
			if nonzero[k].g == 1 {
				r1 += rank
			}
		}
		s = e
	}
	w := r1 - float64(n1)*float64(n1+1)/2
	mu := float64(n1) * float64(n2) / 2
	sigma := math.Sqrt(float64(n1) * float64(n2) / 12 * ((n + 1) - ties/(n*(n-1))))
	if sigma == 0 || math.IsNaN(sigma) {
		return 1
	}
	z := w - mu
	switch {
	case z > 0:
		z -= 0.5
	case z < 0:
		z += 0.5
	}
	z /= sigma
	p := 2 * distuv.UnitNormal.CDF(-math.Abs(z))
	return math.Min(1, p)
}

// FindAllMarkers runs FindMarkers for every identity of the active clustering
// against all other cells, keeps the results with p-value below
// opts.ReturnThresh and stores them in Markers.
func (a *Analysis) FindAllMarkers(opts MarkerOpts) ([]Marker, error) {
	if err := a.requireData("FindAllMarkers"); err != nil {
		return nil, err
	}
	idents, err := a.Idents()
	if err != nil {
		return nil, err
	}
	levels, _ := a.IdentLevels()
	if len(levels) < 2 {
		return nil, errors.E(errors.Precondition, "scrna: FindAllMarkers needs at least two identities")
	}
	rows := a.dataRows()
	var all []Marker
	for _, level := range levels {
		group := make([]int8, len(idents))
		var n1, n2 int
		for j, id := range idents {
			if id == level {
				group[j] = 1
				n1++
			} else {
				group[j] = 2
				n2++
			}
		}
		markers, err := a.findMarkers(rows, level, group, n1, n2, opts)
		if err != nil {
			return nil, err
		}
		kept := 0
		for _, m := range markers {
			if opts.ReturnThresh <= 0 || m.PValue < opts.ReturnThresh {
				all = append(all, m)
				kept++
			}
		}
		log.Printf("scrna: cluster %s: %d cells, %d markers", level, n1, kept)
	}
	a.Markers = all
	return all, nil
}
