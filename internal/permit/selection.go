package permit

import "time"

// FirstOpenRange returns the first range, in list order, for which every
// night has remaining capacity > 0 in the given per-date capacity map
// (keyed by DateFormat). Strict ordering: earlier entries win. A range with
// any night missing from the map, or at zero, is skipped entirely — partial
// availability never qualifies.
func FirstOpenRange(ranges []DateRange, remaining map[string]int) (DateRange, bool) {
	for _, r := range ranges {
		if rangeFullyOpen(r, remaining) {
			return r, true
		}
	}
	return DateRange{}, false
}

func rangeFullyOpen(r DateRange, remaining map[string]int) bool {
	nights := r.Nights()
	if len(nights) == 0 {
		return false
	}
	for _, n := range nights {
		if remaining[n.Format(DateFormat)] <= 0 {
			return false
		}
	}
	return true
}

// SpanningWindow returns the minimal [start, end) window covering every
// range, so one availability request can serve all of them.
func SpanningWindow(ranges []DateRange) (start, end time.Time) {
	for i, r := range ranges {
		if i == 0 || r.Start.Before(start) {
			start = r.Start
		}
		if i == 0 || r.End.After(end) {
			end = r.End
		}
	}
	return start, end
}
