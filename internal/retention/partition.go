package retention

import (
	"sort"
	"time"
)

const (
	DefaultKeepCount = 5
	DefaultWindow    = 9 * 24 * time.Hour
)

type Policy struct {
	// KeepCount newest versions are always kept regardless of age.
	KeepCount int
	// Versions newer than now-Window are always kept regardless of rank.
	Window time.Duration
}

type Plan struct {
	Keep      []CIVersion
	Deprecate []CIVersion
}

// Partition splits versions into keep and deprecate sets. A version is kept
// while fewer than KeepCount versions have been kept, or when it is strictly
// newer than now-Window. The input slice is not modified.
func Partition(versions []CIVersion, now time.Time, p Policy) Plan {
	sorted := make([]CIVersion, len(versions))
	copy(sorted, versions)

	// newest first; equal timestamps keep listing order
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.After(sorted[j].Time)
	})

	cutoff := now.Add(-p.Window)

	plan := Plan{
		Keep:      make([]CIVersion, 0, len(sorted)),
		Deprecate: make([]CIVersion, 0),
	}
	for _, v := range sorted {
		if len(plan.Keep) < p.KeepCount || v.Time.After(cutoff) {
			plan.Keep = append(plan.Keep, v)
			continue
		}
		plan.Deprecate = append(plan.Deprecate, v)
	}
	return plan
}

// Versions returns the identifiers of vs in order.
func Versions(vs []CIVersion) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Version
	}
	return out
}

// Releases returns the distinct release lines of vs in first-seen order.
func Releases(vs []CIVersion) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range vs {
		if v.Release == "" || seen[v.Release] {
			continue
		}
		seen[v.Release] = true
		out = append(out, v.Release)
	}
	return out
}
