package queue

import "time"

// BundleStat is the input of an auto-priority policy.
type BundleStat struct {
	Token      BundleToken
	Added      time.Time
	Speed      int64
	Size       int64
	Downloaded int64
}

// AutoPriorityPolicy assigns priorities to the bundles that have automatic
// priority enabled. It must be deterministic and must not depend on the
// order of stats.
type AutoPriorityPolicy func(stats []BundleStat) map[BundleToken]Priority

// DefaultAutoPriority scores each bundle by its speed relative to the
// fastest bundle and its age relative to the oldest and newest bundle, with
// equal weight. Scores of at least 2/3 map to High, at least 1/3 to Normal,
// anything lower to Low. Faster and newer bundles never rank below slower
// and older ones. When no bundle has a measurable speed only age counts.
func DefaultAutoPriority(stats []BundleStat) map[BundleToken]Priority {
	out := make(map[BundleToken]Priority, len(stats))
	if len(stats) == 0 {
		return out
	}
	if len(stats) == 1 {
		out[stats[0].Token] = PriorityNormal
		return out
	}

	var maxSpeed int64
	oldest, newest := stats[0].Added, stats[0].Added
	for _, s := range stats {
		if s.Speed > maxSpeed {
			maxSpeed = s.Speed
		}
		if s.Added.Before(oldest) {
			oldest = s.Added
		}
		if s.Added.After(newest) {
			newest = s.Added
		}
	}
	span := newest.Sub(oldest)

	for _, s := range stats {
		recency := 1.0
		if span > 0 {
			recency = float64(s.Added.Sub(oldest)) / float64(span)
		}
		score := recency
		if maxSpeed > 0 {
			score = 0.5*float64(s.Speed)/float64(maxSpeed) + 0.5*recency
		}
		switch {
		case score >= 2.0/3.0:
			out[s.Token] = PriorityHigh
		case score >= 1.0/3.0:
			out[s.Token] = PriorityNormal
		default:
			out[s.Token] = PriorityLow
		}
	}
	return out
}
