// internal/citation/citation.go
// Package citation renders human-readable citation text and display helpers
// for DOI landing records.
package citation

import (
	"fmt"
	"strings"
	"time"
)

// ResolverURL is the public DOI resolver all citations point at.
const ResolverURL = "https://doi.org"

// Build renders the citation text for a minted query DOI: the publisher as
// author, the mint year, the record title and the resolvable DOI URL.
func Build(publisher, title, doi string, createdAt time.Time) string {
	return fmt.Sprintf("%s (%d). %s. %s/%s", publisher, createdAt.Year(), title, ResolverURL, doi)
}

// Title expands a title template by substituting the record count for the
// {count} placeholder.
func Title(template string, count int64) string {
	return strings.ReplaceAll(template, "{count}", fmt.Sprintf("%d", count))
}

// timeResolution defines one rung of the time-ago ladder: the unit name, its
// length, and the cutoff below which the unit applies.
type timeResolution struct {
	unit   string
	length time.Duration
	cutoff time.Duration
}

// Resolutions from finest to coarsest. A duration is described with the first
// unit whose cutoff it falls under; a month is approximated as 30 days and a
// year as 365.
var timeResolutions = []timeResolution{
	{"second", time.Second, time.Minute},
	{"minute", time.Minute, time.Hour},
	{"hour", time.Hour, 24 * time.Hour},
	{"day", 24 * time.Hour, 7 * 24 * time.Hour},
	{"week", 7 * 24 * time.Hour, 30 * 24 * time.Hour},
	{"month", 30 * 24 * time.Hour, 365 * 24 * time.Hour},
}

// TimeAgo describes how long ago a moment was in the largest sensible unit,
// e.g. "4 days ago" or "2 years ago". Moments under a second ago (or in the
// future, clocks being what they are) are described as "just now".
func TimeAgo(t time.Time, now time.Time) string {
	elapsed := now.Sub(t)
	if elapsed < time.Second {
		return "just now"
	}

	for _, res := range timeResolutions {
		if elapsed < res.cutoff {
			return pluralize(int64(elapsed/res.length), res.unit)
		}
	}
	return pluralize(int64(elapsed/(365*24*time.Hour)), "year")
}

func pluralize(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
