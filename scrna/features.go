package scrna

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
)

// maxSuggestions bounds the candidate names reported for an unknown feature.
const maxSuggestions = 3

// FeatureIndex returns the row of the feature with the given name, or failing
// that, with the given id. The error for an unknown feature lists the closest
// feature names by edit distance.
func (a *Analysis) FeatureIndex(name string) (int, error) {
	for i, f := range a.Features {
		if f.Name == name {
			return i, nil
		}
	}
	for i, f := range a.Features {
		if f.ID == name {
			return i, nil
		}
	}
	msg := fmt.Sprintf("scrna: no feature %q", name)
	if s := a.suggestFeatures(name); len(s) > 0 {
		msg += "; did you mean " + strings.Join(s, ", ") + "?"
	}
	return -1, errors.E(errors.NotExist, msg)
}

// FeatureIndices resolves a list of feature names with FeatureIndex.
func (a *Analysis) FeatureIndices(names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		var err error
		if idx[i], err = a.FeatureIndex(name); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (a *Analysis) suggestFeatures(name string) []string {
	type candidate struct {
		name string
		dist int
	}
	upper := strings.ToUpper(name)
	maxDist := len(name)/3 + 1
	var c []candidate
	for _, f := range a.Features {
		if d := matchr.Levenshtein(upper, strings.ToUpper(f.Name)); d <= maxDist {
			c = append(c, candidate{f.Name, d})
		}
	}
	sort.SliceStable(c, func(i, j int) bool { return c[i].dist < c[j].dist })
	var names []string
	for i := 0; i < len(c) && i < maxSuggestions; i++ {
		names = append(names, c[i].name)
	}
	return names
}
