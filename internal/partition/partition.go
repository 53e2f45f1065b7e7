// Package partition models the half-open key ranges that split a target's
// phrases across backend partitions. A range is rendered as "start|end" with
// an empty string standing for an open bound.
package partition

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Separator joins the two bounds of a rendered range. Collected phrases
// never contain it.
const Separator = "|"

// Range is the half-open interval [Start, End). An empty Start or End is
// unbounded on that side.
type Range struct {
	Start string
	End   string
}

// Parse decodes a rendered range such as "|mod" or "mod|".
func Parse(s string) (Range, error) {
	start, end, ok := strings.Cut(s, Separator)
	if !ok || strings.Contains(end, Separator) {
		return Range{}, fmt.Errorf("invalid partition range %q (expected start|end)", s)
	}
	r := Range{Start: start, End: end}
	if r.Start != "" && r.End != "" && r.Start >= r.End {
		return Range{}, fmt.Errorf("invalid partition range %q: start must sort before end", s)
	}
	return r, nil
}

// ParseAll decodes a list of rendered ranges and checks that together they
// cover the key space exactly once.
func ParseAll(specs []string) ([]Range, error) {
	ranges := make([]Range, 0, len(specs))
	for _, s := range specs {
		r, err := Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if err := ValidateCover(ranges); err != nil {
		return nil, err
	}
	return ranges, nil
}

// String renders the range in its coordination-store form.
func (r Range) String() string {
	return r.Start + Separator + r.End
}

// Contains reports whether value falls in [Start, End).
func (r Range) Contains(value string) bool {
	return (r.Start == "" || value >= r.Start) && (r.End == "" || value < r.End)
}

// ValidateCover checks that ranges are contiguous, non-overlapping and
// cover the whole key space.
func ValidateCover(ranges []Range) error {
	if len(ranges) == 0 {
		return errors.New("at least one partition range is required")
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == "" {
			return sorted[j].Start != ""
		}
		return sorted[j].Start != "" && sorted[i].Start < sorted[j].Start
	})
	if sorted[0].Start != "" {
		return fmt.Errorf("partition ranges leave keys below %q uncovered", sorted[0].Start)
	}
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.End == "" || prev.End != cur.Start {
			return fmt.Errorf("partition ranges %s and %s are not contiguous", prev, cur)
		}
	}
	if last := sorted[len(sorted)-1]; last.End != "" {
		return fmt.Errorf("partition ranges leave keys from %q uncovered", last.End)
	}
	return nil
}

// Find returns the rendered range among names that contains value. Names
// that do not parse are skipped.
func Find(names []string, value string) (string, bool) {
	for _, name := range names {
		r, err := Parse(name)
		if err != nil {
			continue
		}
		if r.Contains(value) {
			return name, true
		}
	}
	return "", false
}
