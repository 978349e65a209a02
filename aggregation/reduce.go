package aggregation

import (
	"errors"
	"strings"

	"github.com/spf13/cast"
)

// Reduction names a policy for collapsing per-file attribute values into one
// aggregate value.
type Reduction string

// Available reductions.
const (
	ReduceMin   Reduction = "min"
	ReduceMax   Reduction = "max"
	ReduceFirst Reduction = "first"
	ReduceLast  Reduction = "last"
	ReduceUnion Reduction = "union"
)

// ParseReduction converts a string to a Reduction.
func ParseReduction(s string) (Reduction, bool) {
	switch r := Reduction(s); r {
	case ReduceMin, ReduceMax, ReduceFirst, ReduceLast, ReduceUnion:
		return r, true
	}
	return "", false
}

// AggregatedGlobalAttr describes one summary attribute derived from the
// per-file values of a source attribute. It is stateless and can be reused
// across builds.
type AggregatedGlobalAttr struct {
	// Attr is the name of the source attribute read from each file.
	Attr string

	// Target is the name of the attribute written to the aggregation.
	// Empty means same as Attr.
	Target string

	// Reduce is the reduction policy.
	Reduce Reduction
}

// TargetName returns the output attribute name.
func (a AggregatedGlobalAttr) TargetName() string {
	if a.Target != "" {
		return a.Target
	}
	return a.Attr
}

// reduce collapses the values of a.Attr across entries, in entry order.
// min and max require a total order on the values: all numeric, or all
// strings. first and last use the entry order as given. union joins the
// distinct string forms of the values in first-seen order.
func reduce(a AggregatedGlobalAttr, entries []FileEntry) (interface{}, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyAggregation
	}

	values := make([]interface{}, len(entries))
	for i, e := range entries {
		values[i] = e.Attrs[a.Attr]
	}

	switch a.Reduce {
	case ReduceFirst:
		return values[0], nil
	case ReduceLast:
		return values[len(values)-1], nil
	case ReduceUnion:
		var parts []string
		seen := make(map[string]bool)
		for _, v := range values {
			s := cast.ToString(v)
			if !seen[s] {
				seen[s] = true
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " "), nil
	case ReduceMin, ReduceMax:
		return reduceOrdered(a, values)
	default:
		return nil, &ReductionTypeError{Attr: a.Attr, Reduction: a.Reduce}
	}
}

func reduceOrdered(a AggregatedGlobalAttr, values []interface{}) (interface{}, error) {
	if nums, err := toNumbers(values); err == nil {
		best := 0
		for i, v := range nums {
			if (a.Reduce == ReduceMin && v < nums[best]) ||
				(a.Reduce == ReduceMax && v > nums[best]) {
				best = i
			}
		}
		return values[best], nil
	}

	// Fall back to lexicographic order, but only if every value really is
	// a string. Mixed numeric and string values have no total order.
	best := 0
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, &ReductionTypeError{Attr: a.Attr, Reduction: a.Reduce}
		}
		if (a.Reduce == ReduceMin && s < values[best].(string)) ||
			(a.Reduce == ReduceMax && s > values[best].(string)) {
			best = i
		}
	}
	return values[best], nil
}

var errNotNumeric = errors.New("value is not numeric")

// toNumbers coerces every value to float64, failing if any value is not
// numeric. Strings are not coerced: "10" as an attribute value stays a
// string and is ordered lexicographically.
func toNumbers(values []interface{}) ([]float64, error) {
	nums := make([]float64, len(values))
	for i, v := range values {
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			nums[i] = cast.ToFloat64(v)
		default:
			return nil, errNotNumeric
		}
	}
	return nums, nil
}
