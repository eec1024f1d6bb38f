package scrna

import (
	"context"
	"fmt"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"gonum.org/v1/gonum/mat"
)

// TableOpts controls the TSV tables written by the Write* functions.
type TableOpts struct {
	// Bgzip compresses the table with bgzf.
	Bgzip bool
	// Parallelism is the number of bgzf compression goroutines.
	Parallelism int
}

// DefaultTableOpts writes plain text.
var DefaultTableOpts = TableOpts{Parallelism: 1}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 6, 64) }

// writeTable creates path and calls fn to fill it.
func writeTable(ctx context.Context, path string, opts TableOpts, fn func(w *tsv.Writer) error) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.E(err, "scrna: create "+path)
	}
	defer file.CloseAndReport(ctx, dst, &err)

	var w *tsv.Writer
	if !opts.Bgzip {
		w = tsv.NewWriter(dst.Writer(ctx))
	} else {
		parallelism := opts.Parallelism
		if parallelism < 1 {
			parallelism = 1
		}
		bgzfWriter := bgzf.NewWriter(dst.Writer(ctx), parallelism)
		w = tsv.NewWriter(bgzfWriter)
		defer func() {
			if e := bgzfWriter.Close(); e != nil && err == nil {
				err = e
			}
		}()
	}
	if err = fn(w); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return errors.E(err, "scrna: write "+path)
	}
	log.Debug.Printf("scrna: wrote %s", path)
	return nil
}

// WriteCellTable writes one row per cell: barcode, nCount_RNA, nFeature_RNA,
// the QC columns and the identity of the cell under every clustering.
func (a *Analysis) WriteCellTable(ctx context.Context, path string, opts TableOpts) error {
	return writeTable(ctx, path, opts, func(w *tsv.Writer) error {
		w.WriteString("barcode")
		w.WriteString(NCountColumn)
		w.WriteString(NFeatureColumn)
		for _, c := range a.QC {
			w.WriteString(c.Name)
		}
		for _, c := range a.Clusterings {
			w.WriteString(c.Name)
		}
		if err := w.EndLine(); err != nil {
			return err
		}
		for j, bc := range a.Barcodes {
			w.WriteString(bc)
			w.WriteString(strconv.FormatFloat(a.NCount[j], 'f', -1, 64))
			w.WriteString(strconv.Itoa(a.NFeature[j]))
			for _, c := range a.QC {
				w.WriteString(formatFloat(c.Values[j]))
			}
			for _, c := range a.Clusterings {
				w.WriteString(c.Idents[c.Labels[j]])
			}
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteFeatureTable writes the variable features, most variable first, with
// their selection statistics.
func (a *Analysis) WriteFeatureTable(ctx context.Context, path string, opts TableOpts) error {
	if len(a.VariableFeatures) == 0 {
		return errors.E(errors.Precondition, "scrna: no variable features; run FindVariableFeatures first")
	}
	return writeTable(ctx, path, opts, func(w *tsv.Writer) error {
		w.WriteString("rank\tid\tname\tmean\tvariance\tvariance.expected\tvariance.standardized")
		if err := w.EndLine(); err != nil {
			return err
		}
		for rank, i := range a.VariableFeatures {
			f := a.Features[i]
			w.WriteString(strconv.Itoa(rank + 1))
			w.WriteString(f.ID)
			w.WriteString(f.Name)
			w.WriteString(formatFloat(f.Mean))
			w.WriteString(formatFloat(f.Variance))
			w.WriteString(formatFloat(f.VarExpected))
			w.WriteString(formatFloat(f.VarStandardized))
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Embedding names accepted by WriteEmbedding and Embedding.
const (
	PCAEmbedding  = "pca"
	UMAPEmbedding = "umap"
)

// Embedding returns the cell coordinates of the named reduction and the
// column prefix used for its components.
func (a *Analysis) Embedding(name string) (*mat.Dense, string, error) {
	switch name {
	case PCAEmbedding:
		if a.PCA == nil {
			return nil, "", errors.E(errors.Precondition, "scrna: no PCA; run RunPCA first")
		}
		return a.PCA.Embeddings, "PC_", nil
	case UMAPEmbedding:
		if a.UMAP == nil {
			return nil, "", errors.E(errors.Precondition, "scrna: no UMAP; run RunUMAP first")
		}
		return a.UMAP, "UMAP_", nil
	}
	return nil, "", errors.E(errors.Invalid, "scrna: unknown reduction "+name)
}

// WriteEmbedding writes the cell coordinates of the named reduction, one row
// per cell.
func (a *Analysis) WriteEmbedding(ctx context.Context, name, path string, opts TableOpts) error {
	x, prefix, err := a.Embedding(name)
	if err != nil {
		return err
	}
	n, k := x.Dims()
	return writeTable(ctx, path, opts, func(w *tsv.Writer) error {
		w.WriteString("barcode")
		for c := 0; c < k; c++ {
			w.WriteString(fmt.Sprintf("%s%d", prefix, c+1))
		}
		if err := w.EndLine(); err != nil {
			return err
		}
		for j := 0; j < n; j++ {
			w.WriteString(a.Barcodes[j])
			for c := 0; c < k; c++ {
				w.WriteString(formatFloat(x.At(j, c)))
			}
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteMarkers writes a marker table in the order given.
func WriteMarkers(ctx context.Context, path string, markers []Marker, opts TableOpts) error {
	return writeTable(ctx, path, opts, func(w *tsv.Writer) error {
		w.WriteString("cluster\tfeature\tp_val\tavg_log2FC\tpct.1\tpct.2\tp_val_adj")
		if err := w.EndLine(); err != nil {
			return err
		}
		for _, m := range markers {
			w.WriteString(m.Cluster)
			w.WriteString(m.Feature)
			w.WriteString(formatFloat(m.PValue))
			w.WriteString(formatFloat(m.AvgLog2FC))
			w.WriteString(strconv.FormatFloat(m.Pct1, 'f', -1, 64))
			w.WriteString(strconv.FormatFloat(m.Pct2, 'f', -1, 64))
			w.WriteString(formatFloat(m.PValueAdj))
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return nil
	})
}
