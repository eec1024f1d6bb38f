package scrna

import (
	"context"
	"encoding/gob"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

const (
	// SnapshotVersion identifies the snapshot layout written by Save.
	SnapshotVersion = "SCS_V1"
	// SnapshotSuffix is the conventional extension of snapshot files.
	SnapshotSuffix = ".scs"
)

type snapshotHeader struct {
	Version string
}

// Save writes the analysis to path as a snappy-compressed gob stream.
func (a *Analysis) Save(ctx context.Context, path string) (err error) {
	var dst file.File
	if dst, err = file.Create(ctx, path); err != nil {
		return errors.E(err, "scrna: create snapshot "+path)
	}
	defer file.CloseAndReport(ctx, dst, &err)
	w := snappy.NewBufferedWriter(dst.Writer(ctx))
	enc := gob.NewEncoder(w)
	if err = enc.Encode(snapshotHeader{Version: SnapshotVersion}); err != nil {
		return errors.E(err, "scrna: encode snapshot header")
	}
	if err = enc.Encode(a); err != nil {
		return errors.E(err, "scrna: encode snapshot")
	}
	if err = w.Close(); err != nil {
		return errors.E(err, "scrna: flush snapshot "+path)
	}
	log.Printf("scrna: saved %d features x %d cells to %s", a.NumFeatures(), a.NumCells(), path)
	return nil
}

// Load reads an analysis written by Save.
func Load(ctx context.Context, path string) (a *Analysis, err error) {
	var src file.File
	if src, err = file.Open(ctx, path); err != nil {
		return nil, errors.E(err, "scrna: open snapshot "+path)
	}
	defer file.CloseAndReport(ctx, src, &err)
	dec := gob.NewDecoder(snappy.NewReader(src.Reader(ctx)))
	var h snapshotHeader
	if err = dec.Decode(&h); err != nil {
		return nil, errors.E(errors.Invalid, err, "scrna: decode snapshot header "+path)
	}
	if h.Version != SnapshotVersion {
		return nil, errors.E(errors.Invalid, "scrna: "+path+": unsupported snapshot version "+h.Version)
	}
	a = new(Analysis)
	if err = dec.Decode(a); err != nil {
		return nil, errors.E(errors.Invalid, err, "scrna: decode snapshot "+path)
	}
	return a, nil
}
