package dataset

import "github.com/pkg/errors"

// A LabelSet describes the semantic labels of a dataset: their integer
// values, optional display names, and the values excluded from sampling and
// scoring.
type LabelSet struct {
	Values  []int32  `json:"values"`
	Names   []string `json:"names,omitempty"`
	Ignored []int32  `json:"ignored,omitempty"`
}

// Validate checks internal consistency.
func (s LabelSet) Validate() error {
	if len(s.Names) > 0 && len(s.Names) != len(s.Values) {
		return errors.Errorf("have %d label names for %d label values", len(s.Names), len(s.Values))
	}
	seen := make(map[int32]struct{}, len(s.Values))
	for _, v := range s.Values {
		if _, ok := seen[v]; ok {
			return errors.Errorf("duplicate label value %d", v)
		}
		seen[v] = struct{}{}
	}
	for _, ig := range s.Ignored {
		if s.IndexOf(ig) < 0 {
			return errors.Errorf("ignored label %d is not among the label values", ig)
		}
	}
	return nil
}

// Count returns the number of label values.
func (s LabelSet) Count() int {
	return len(s.Values)
}

// IndexOf returns the position of a label value, or -1.
func (s LabelSet) IndexOf(v int32) int {
	for i, lv := range s.Values {
		if lv == v {
			return i
		}
	}
	return -1
}

// IsIgnored reports whether a label value is excluded.
func (s LabelSet) IsIgnored(v int32) bool {
	for _, ig := range s.Ignored {
		if ig == v {
			return true
		}
	}
	return false
}

// Eligible returns the label values that are not ignored, in declaration
// order.
func (s LabelSet) Eligible() []int32 {
	out := make([]int32, 0, len(s.Values))
	for _, v := range s.Values {
		if !s.IsIgnored(v) {
			out = append(out, v)
		}
	}
	return out
}

// PredFromProbs maps per-point probability rows over the eligible labels to
// predicted label values by argmax.
func (s LabelSet) PredFromProbs(probs [][]float32) ([]int32, error) {
	eligible := s.Eligible()
	out := make([]int32, len(probs))
	for i, row := range probs {
		if len(row) != len(eligible) {
			return nil, errors.Errorf("probability row %d has %d columns for %d eligible labels", i, len(row), len(eligible))
		}
		best := 0
		for c := 1; c < len(row); c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[i] = eligible[best]
	}
	return out, nil
}
