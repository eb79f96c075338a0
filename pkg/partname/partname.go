// Package partname decodes multipart part names into ingestion intents.
//
// The grammar is a table of regular expressions evaluated in order; the
// first matching entry wins. Adding a new kind of part only requires a new
// table entry, the decoder itself never changes.
package partname

import (
	"fmt"
	"regexp"

	"github.com/ethpandaops/tracekeeper/pkg/config"
)

// Descriptor is the decoded intent of one part.
type Descriptor struct {
	Kind     string
	Event    string
	RunID    string
	Field    string
	Filename string
}

// HasField reports whether the part addresses a single run column.
func (d Descriptor) HasField() bool {
	return d.Field != ""
}

type rule struct {
	kind     string
	event    string
	re       *regexp.Regexp
	captures config.PartCaptures
}

// Decoder matches part names against an ordered pattern table.
type Decoder struct {
	rules []rule
}

// NewDecoder compiles the given pattern table. The order of patterns is
// the matching priority.
func NewDecoder(patterns []config.PartPattern) (*Decoder, error) {
	rules := make([]rule, 0, len(patterns))

	for i, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling part pattern %d (%s): %w", i, p.Kind, err)
		}

		captures := p.Captures
		if captures.RunID == 0 {
			captures.RunID = 1
		}

		rules = append(rules, rule{
			kind:     p.Kind,
			event:    p.Event,
			re:       re,
			captures: captures,
		})
	}

	return &Decoder{rules: rules}, nil
}

// MustDefault returns a decoder for the built-in grammar.
func MustDefault() *Decoder {
	d, err := NewDecoder(config.DefaultPartPatterns())
	if err != nil {
		panic(err)
	}

	return d
}

// Decode returns the descriptor of the first pattern matching name, or
// false when no pattern matches or the match yields no run id.
func (d *Decoder) Decode(name string) (Descriptor, bool) {
	for _, r := range d.rules {
		m := r.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}

		desc := Descriptor{
			Kind:     r.kind,
			Event:    r.event,
			RunID:    group(m, r.captures.RunID),
			Field:    group(m, r.captures.Field),
			Filename: group(m, r.captures.Filename),
		}

		if r.captures.Event > 0 {
			desc.Event = group(m, r.captures.Event)
		}

		if desc.RunID == "" || desc.Event == "" {
			return Descriptor{}, false
		}

		return desc, true
	}

	return Descriptor{}, false
}

func group(m []string, idx int) string {
	if idx <= 0 || idx >= len(m) {
		return ""
	}

	return m[idx]
}
