package profile

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// FormatVersion is the current on-disk profile format version.
const FormatVersion = 1

// document is the persisted representation.
//
// NOTE: field names are part of the stable on-disk contract.
type document struct {
	Version int              `yaml:"version"`
	Labels  map[string]int64 `yaml:"labels"` // microseconds
}

// Encode writes p as YAML. Durations are stored in microseconds.
func Encode(w io.Writer, p Profile) error {
	doc := document{
		Version: FormatVersion,
		Labels:  make(map[string]int64, len(p)),
	}
	for label, d := range p {
		doc.Labels[label] = d.Truncate(Resolution).Microseconds()
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return enc.Close()
}

// Decode reads a YAML profile written by Encode.
func Decode(r io.Reader) (Profile, error) {
	var doc document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return Profile{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}

	p := make(Profile, len(doc.Labels))
	for label, us := range doc.Labels {
		if us < 0 {
			return nil, fmt.Errorf("%w: negative duration for label %q", ErrInvalidFormat, label)
		}
		p[label] = time.Duration(us) * Resolution
	}
	return p, nil
}
