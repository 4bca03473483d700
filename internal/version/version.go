// internal/version/version.go
// Package version rounds requested logical versions down to concrete snapshot
// versions. Resource snapshots are created at discrete points in time; a query
// must always resolve to a previously existing snapshot so that re-running it
// later reproduces identical results even as new snapshots are added.
package version

import "sort"

// Round resolves a requested logical version against the ascending list of
// known snapshot versions for a resource. It returns the greatest known
// version that is less than or equal to the requested version, with two edge
// policies:
//
//   - requested below the oldest known version: the requested version is
//     returned unchanged. There is no earlier anchor to round to; this is a
//     deliberate policy choice, not a bug.
//   - requested at or above the newest known version: the newest version is
//     returned, so a request for a future time can never produce an
//     undefined view.
//
// The second return value is false when no versions exist for the resource,
// meaning it has no versioned data yet.
func Round(known []int64, requested int64) (int64, bool) {
	if len(known) == 0 {
		return 0, false
	}
	if requested < known[0] {
		return requested, true
	}
	last := known[len(known)-1]
	if requested >= last {
		return last, true
	}
	// Lower bound: index of the first version strictly greater than the
	// request, minus one.
	i := sort.Search(len(known), func(i int) bool { return known[i] > requested })
	return known[i-1], true
}
