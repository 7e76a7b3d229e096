package export

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Range is an inclusive vehicle id range.
type Range struct {
	From int
	To   int
}

// Filter selects the vehicles included in an extraction. The zero value
// selects every vehicle. Filters are immutable and passed by value.
type Filter struct {
	ranges []Range
}

// AllVehicles returns a filter that selects every vehicle.
func AllVehicles() Filter {
	return Filter{}
}

// VehicleList returns a filter selecting exactly ids.
func VehicleList(ids []int) Filter {
	ranges := make([]Range, 0, len(ids))
	for _, id := range ids {
		ranges = append(ranges, Range{From: id, To: id})
	}
	return Filter{ranges: normalize(ranges)}
}

// ParseVehicleRange parses expressions such as "100-120,789".
// Each comma-separated part is a single id or an inclusive from-to range.
func ParseVehicleRange(expr string) (Filter, error) {
	var ranges []Range
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		from, to, isRange := strings.Cut(part, "-")
		lo, err := strconv.Atoi(strings.TrimSpace(from))
		if err != nil {
			return Filter{}, fmt.Errorf("invalid vehicle id %q in %q", from, expr)
		}
		hi := lo
		if isRange {
			hi, err = strconv.Atoi(strings.TrimSpace(to))
			if err != nil {
				return Filter{}, fmt.Errorf("invalid vehicle id %q in %q", to, expr)
			}
		}
		if lo < 0 || hi < lo {
			return Filter{}, fmt.Errorf("invalid vehicle range %q in %q", part, expr)
		}
		ranges = append(ranges, Range{From: lo, To: hi})
	}

	if len(ranges) == 0 {
		return Filter{}, fmt.Errorf("empty vehicle range %q", expr)
	}
	return Filter{ranges: normalize(ranges)}, nil
}

// ResolveFilter picks the explicit list when present, else the range
// expression, else fallback.
func ResolveFilter(list []int, rangeExpr string, fallback Filter) (Filter, error) {
	if len(list) > 0 {
		return VehicleList(list), nil
	}
	if strings.TrimSpace(rangeExpr) != "" {
		return ParseVehicleRange(rangeExpr)
	}
	return fallback, nil
}

// normalize sorts ranges and merges overlapping or adjacent ones.
func normalize(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	slices.SortFunc(ranges, func(a, b Range) int { return a.From - b.From })

	merged := []Range{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.From <= last.To+1 {
			last.To = max(last.To, r.To)
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// IsAll reports whether the filter selects every vehicle.
func (f Filter) IsAll() bool {
	return len(f.ranges) == 0
}

// Ranges returns the normalized ranges of the filter.
func (f Filter) Ranges() []Range {
	return slices.Clone(f.ranges)
}

// Count returns the number of selected vehicle ids, or 0 for IsAll.
func (f Filter) Count() int {
	n := 0
	for _, r := range f.ranges {
		n += r.To - r.From + 1
	}
	return n
}

// String renders the filter in range-expression form.
func (f Filter) String() string {
	if f.IsAll() {
		return "all"
	}
	parts := make([]string, 0, len(f.ranges))
	for _, r := range f.ranges {
		if r.From == r.To {
			parts = append(parts, strconv.Itoa(r.From))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.From, r.To))
		}
	}
	return strings.Join(parts, ",")
}
