package dataset

import (
	"testing"

	"go.viam.com/test"
)

func TestLabelSetValidate(t *testing.T) {
	good := LabelSet{
		Values:  []int32{0, 1, 2, 12},
		Names:   []string{"ceiling", "floor", "wall", "clutter"},
		Ignored: []int32{12},
	}
	test.That(t, good.Validate(), test.ShouldBeNil)

	err := LabelSet{Values: []int32{0, 1}, Names: []string{"only"}}.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "1 label names for 2 label values")

	err = LabelSet{Values: []int32{3, 3}}.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate label value 3")

	err = LabelSet{Values: []int32{0, 1}, Ignored: []int32{9}}.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "ignored label 9")
}

func TestLabelSetLookups(t *testing.T) {
	set := LabelSet{Values: []int32{0, 2, 5, 7}, Ignored: []int32{5}}
	test.That(t, set.Count(), test.ShouldEqual, 4)
	test.That(t, set.IndexOf(5), test.ShouldEqual, 2)
	test.That(t, set.IndexOf(6), test.ShouldEqual, -1)
	test.That(t, set.IsIgnored(5), test.ShouldBeTrue)
	test.That(t, set.IsIgnored(7), test.ShouldBeFalse)
	test.That(t, set.Eligible(), test.ShouldResemble, []int32{0, 2, 7})
}

func TestPredFromProbs(t *testing.T) {
	set := LabelSet{Values: []int32{0, 2, 5, 7}, Ignored: []int32{5}}
	preds, err := set.PredFromProbs([][]float32{
		{0.7, 0.2, 0.1},
		{0.1, 0.1, 0.8},
		{0.2, 0.5, 0.3},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, preds, test.ShouldResemble, []int32{0, 7, 2})

	_, err = set.PredFromProbs([][]float32{{0.5, 0.5}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "2 columns for 3 eligible labels")
}
