package barcode

import (
	"os"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	seq, suffix := Split("AAACCTGAGAAGGCCT-1")
	assert.Equal(t, "AAACCTGAGAAGGCCT", seq)
	assert.Equal(t, "-1", suffix)
	seq, suffix = Split("AAACCTGA")
	assert.Equal(t, "AAACCTGA", seq)
	assert.Equal(t, "", suffix)
}

func TestSnapCorrector(t *testing.T) {
	known := []string{"AAAA-1", "CCCC-1", "GGGG-1", "AACC-2", "AAGC-2"}

	tests := []struct {
		barcode   string
		expected  string
		edits     int
		corrected bool
	}{
		{"AAAA-1", "AAAA-1", 0, false},
		{"aaaa-1", "AAAA-1", 0, false},
		{"TAAA-1", "AAAA-1", 1, true},
		{"AANA-1", "AAAA-1", 1, true},
		{"CCCA-1", "CCCC-1", 1, true},
		{"AAAA-2", "AAAA-2", -1, false}, // Suffixes differ.
		{"AATC-2", "AATC-2", -1, false}, // Could be AACC-2 or AAGC-2
		{"ACGT-1", "ACGT-1", -1, false},
		{"TTTT", "TTTT", -1, false},
	}

	c := NewSnapCorrector(known)
	for _, test := range tests {
		corrected, edits, changed := c.Correct(test.barcode)
		assert.Equal(t, test.expected, corrected, "'%s' should have corrected to '%s'", test.barcode, test.expected)
		assert.Equal(t, test.edits, edits, "'%s' should have corrected to '%s' with %d edits", test.barcode, test.expected, test.edits)
		assert.Equal(t, test.corrected, changed, "'%s' should have corrected %v", test.barcode, test.corrected)
	}

	list, n := c.CorrectAll([]string{"TAAA-1", "AAAA-1", "ACGT-1"})
	assert.Equal(t, []string{"AAAA-1", "AAAA-1", "ACGT-1"}, list)
	assert.Equal(t, 1, n)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
