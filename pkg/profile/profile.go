// Package profile persists job execution profiles.
//
// A profile maps job labels to their average execution time. The job system
// monitor records these averages while it runs; saving them at shutdown and
// loading them at startup lets minimum-load scheduling make informed
// placement decisions from the first dispatch of a new process.
//
// Profiles can be stored on the local filesystem or in S3 (or any
// S3-compatible store), see Open.
package profile

import (
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Resolution is the precision at which durations are persisted.
// Durations are truncated to this resolution before storage so that a
// saved profile loads back identically.
const Resolution = time.Microsecond

// Profile maps a job label to its average execution time.
type Profile map[string]time.Duration

// Clone returns a copy of the profile.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Labels returns the profile labels in lexical order.
func (p Profile) Labels() []string {
	labels := make([]string, 0, len(p))
	for k := range p {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// Filter returns the entries whose label matches the doublestar pattern.
// Labels use '/' as separator, e.g. "physics/**" or "render/*/shadow".
// An empty pattern matches everything.
func (p Profile) Filter(pattern string) (Profile, error) {
	if pattern == "" {
		return p.Clone(), nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, &PatternError{Pattern: pattern}
	}
	out := make(Profile)
	for label, d := range p {
		ok, err := doublestar.Match(pattern, label)
		if err != nil {
			return nil, &PatternError{Pattern: pattern, Err: err}
		}
		if ok {
			out[label] = d
		}
	}
	return out, nil
}

// Merge folds other into p. Labels present in both are averaged the same
// way the monitor averages samples: (old + new) / 2.
func (p Profile) Merge(other Profile) {
	for label, d := range other {
		if old, ok := p[label]; ok {
			p[label] = ((old + d) / 2).Truncate(Resolution)
			continue
		}
		p[label] = d.Truncate(Resolution)
	}
}
