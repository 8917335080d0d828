package parser

import (
	"sort"
	"time"
)

// Timed is any feed row with a start timestamp in epoch seconds.
type Timed interface {
	Start() int64
}

// SelectCurrent picks the temporally active row from a mixed-order row set.
//
// Given rows and a window length, the active row is the one with the
// latest start such that start <= now < start+window. When no row is
// active, the earliest upcoming row is returned instead; when every row
// lies in the past, the most recent one is (stale data beats none).
// ok is false only for an empty row set.
func SelectCurrent[T Timed](rows []T, window time.Duration, now time.Time) (row T, ok bool) {
	if len(rows) == 0 {
		return row, false
	}

	sorted := make([]T, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start() < sorted[j].Start() })

	nowTS := now.Unix()
	windowSec := int64(window / time.Second)
	for i := len(sorted) - 1; i >= 0; i-- {
		start := sorted[i].Start()
		if start <= nowTS && nowTS < start+windowSec {
			return sorted[i], true
		}
	}
	for _, r := range sorted {
		if r.Start() > nowTS {
			return r, true
		}
	}
	return sorted[len(sorted)-1], true
}
