package config

import (
	"errors"
	"sort"
	"strings"
)

// Wildcard matches any subtype of a type in a MediaTypeSet entry.
const Wildcard = "*"

// ErrBadMediaType is returned for values without a type/subtype shape.
var ErrBadMediaType = errors.New("media type must be type/subtype")

// SplitMediaType parses "type/subtype" into its lowercased halves. The
// subtype may be the wildcard.
func SplitMediaType(s string) (typ, sub string, err error) {
	t, sb, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return "", "", ErrBadMediaType
	}
	t = strings.ToLower(strings.TrimSpace(t))
	sb = strings.ToLower(strings.TrimSpace(sb))
	if t == "" || sb == "" || t == Wildcard {
		return "", "", ErrBadMediaType
	}
	return t, sb, nil
}

// MediaTypeSet is the set of MIME type/subtype pairs subject to filtering.
// A wildcard subtype matches every subtype of its type. The set is touched
// only on the reactor thread, so it needs no locking.
type MediaTypeSet struct {
	types map[string]map[string]bool
}

// NewMediaTypeSet creates a set pre-populated from "type/subtype" strings.
// Invalid entries are rejected.
func NewMediaTypeSet(entries []string) (*MediaTypeSet, error) {
	m := &MediaTypeSet{types: make(map[string]map[string]bool)}
	for _, e := range entries {
		if err := m.Add(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add inserts a "type/subtype" entry.
func (m *MediaTypeSet) Add(entry string) error {
	t, s, err := SplitMediaType(entry)
	if err != nil {
		return err
	}
	subs, ok := m.types[t]
	if !ok {
		subs = make(map[string]bool)
		m.types[t] = subs
	}
	subs[s] = true
	return nil
}

// Remove deletes a "type/subtype" entry. Removing an absent entry is not
// an error.
func (m *MediaTypeSet) Remove(entry string) error {
	t, s, err := SplitMediaType(entry)
	if err != nil {
		return err
	}
	if subs, ok := m.types[t]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.types, t)
		}
	}
	return nil
}

// Contains reports whether the given type/subtype is filtered, honoring
// wildcard subtypes. The engine does no in-process Content-Type matching;
// the filter child gets the set via FILTER_MEDIAS and decides itself.
func (m *MediaTypeSet) Contains(typ, sub string) bool {
	subs, ok := m.types[strings.ToLower(typ)]
	if !ok {
		return false
	}
	return subs[Wildcard] || subs[strings.ToLower(sub)]
}

// List returns the entries in sorted "type/subtype" form.
func (m *MediaTypeSet) List() []string {
	var out []string
	for t, subs := range m.types {
		for s := range subs {
			out = append(out, t+"/"+s)
		}
	}
	sort.Strings(out)
	return out
}

// Join returns the entries joined by sep, for the filter environment.
func (m *MediaTypeSet) Join(sep string) string {
	return strings.Join(m.List(), sep)
}
