// Package barcode matches cell barcodes that differ by sequencing errors.
package barcode

import (
	"strings"

	"github.com/grailbio/base/log"
)

var alphabet = []byte{'A', 'C', 'G', 'T', 'N'}

// Split separates a 10x barcode into its sequence and its GEM well suffix,
// e.g. "AAACCTGAGAAGGCCT-1" into "AAACCTGAGAAGGCCT" and "-1".
func Split(b string) (seq, suffix string) {
	if i := strings.IndexByte(b, '-'); i >= 0 {
		return b[:i], b[i:]
	}
	return b, ""
}

// SnapCorrector implements "snap" correction of barcodes. A barcode B is
// snappable if exactly one known barcode with the same suffix differs from B
// by a single substitution.
type SnapCorrector struct {
	known map[string]bool
}

// NewSnapCorrector creates a corrector for the given known barcodes. Case is
// ignored.
func NewSnapCorrector(known []string) *SnapCorrector {
	c := &SnapCorrector{known: make(map[string]bool, len(known))}
	for _, b := range known {
		c.known[strings.ToUpper(b)] = true
	}
	log.Debug.Printf("barcode: %d known barcodes", len(c.known))
	return c
}

// Correct returns the known barcode b snaps to, the number of edits to it,
// and true if b was changed. A known barcode is returned unchanged with zero
// edits. If b is unknown and doesn't snap, Correct returns b, -1, false.
func (c *SnapCorrector) Correct(b string) (corrected string, edits int, changed bool) {
	upper := strings.ToUpper(b)
	if c.known[upper] {
		return upper, 0, false
	}
	seq, suffix := Split(upper)
	buf := []byte(seq)
	match := ""
	for i, orig := range buf {
		for _, base := range alphabet {
			if base == orig {
				continue
			}
			buf[i] = base
			if s := string(buf) + suffix; c.known[s] {
				if match != "" {
					// Two known barcodes are equally close.
					return b, -1, false
				}
				match = s
			}
		}
		buf[i] = orig
	}
	if match == "" {
		return b, -1, false
	}
	return match, 1, true
}

// CorrectAll corrects every barcode of list. It returns the corrected list
// and the number of barcodes changed.
func (c *SnapCorrector) CorrectAll(list []string) ([]string, int) {
	out := make([]string, len(list))
	n := 0
	for i, b := range list {
		var changed bool
		out[i], _, changed = c.Correct(b)
		if changed {
			log.Debug.Printf("barcode: %s snaps to %s", b, out[i])
			n++
		}
	}
	return out, n
}
