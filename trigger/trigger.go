// Package trigger maps chat phrases to sound action ids.
//
// The table is immutable once built and is swapped as a whole, so a reload
// never exposes a half-updated mapping to the read loop.
package trigger

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
)

// Mode selects how many matches of one message are dispatched.
type Mode string

const (
	// ModeAll dispatches every phrase found in the message.
	ModeAll Mode = "all"
	// ModeFirst dispatches only the first phrase in table order.
	ModeFirst Mode = "first"
)

// ParseMode accepts "all", "first" or "" (all).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAll:
		return ModeAll, nil
	case ModeFirst:
		return ModeFirst, nil
	}
	return "", fmt.Errorf("trigger: unknown mode %q (want all or first)", s)
}

// Match is one phrase found in a message.
type Match struct {
	Phrase   string
	ActionID string
}

// Table is an immutable phrase -> action id mapping. Phrases are stored
// lower-cased; when two input phrases differ only in case, the one that sorts
// last byte-wise wins.
type Table struct {
	entries []Match // sorted by Phrase
}

// NewTable builds a table from a phrase -> action id map. Blank phrases and
// blank action ids are skipped.
func NewTable(m map[string]string) *Table {
	seen := make(map[string]string, len(m))
	for _, phrase := range slices.Sorted(maps.Keys(m)) {
		p := strings.ToLower(strings.TrimSpace(phrase))
		a := strings.TrimSpace(m[phrase])
		if p == "" || a == "" {
			continue
		}
		seen[p] = a
	}
	t := &Table{entries: make([]Match, 0, len(seen))}
	for p, a := range seen {
		t.entries = append(t.entries, Match{Phrase: p, ActionID: a})
	}
	slices.SortFunc(t.entries, func(a, b Match) int { return strings.Compare(a.Phrase, b.Phrase) })
	return t
}

// Len returns the number of phrases.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Map returns a copy of the table as a plain map.
func (t *Table) Map() map[string]string {
	out := make(map[string]string, t.Len())
	if t == nil {
		return out
	}
	for _, e := range t.entries {
		out[e.Phrase] = e.ActionID
	}
	return out
}

// Match returns every phrase that occurs in text, ignoring case.
func (t *Table) Match(text string) []Match {
	if t.Len() == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var out []Match
	for _, e := range t.entries {
		if strings.Contains(lower, e.Phrase) {
			out = append(out, e)
		}
	}
	return out
}

// Matcher holds the live table. It is safe for concurrent use: Match may run
// on the read loop while Replace is called from a reload.
type Matcher struct {
	table atomic.Pointer[Table]
	mode  Mode
}

// NewMatcher returns a matcher serving t. A nil table matches nothing.
func NewMatcher(t *Table, mode Mode) *Matcher {
	if mode == "" {
		mode = ModeAll
	}
	m := &Matcher{mode: mode}
	if t == nil {
		t = NewTable(nil)
	}
	m.table.Store(t)
	return m
}

// Match looks text up in the current table and applies the dispatch mode.
func (m *Matcher) Match(text string) []Match {
	matches := m.table.Load().Match(text)
	if m.mode == ModeFirst && len(matches) > 1 {
		return matches[:1]
	}
	return matches
}

// Replace swaps in a new table. Messages matched after Replace returns see
// the new table.
func (m *Matcher) Replace(t *Table) {
	if t == nil {
		t = NewTable(nil)
	}
	m.table.Store(t)
}

// Table returns the current table.
func (m *Matcher) Table() *Table { return m.table.Load() }

// Mode reports the dispatch mode.
func (m *Matcher) Mode() Mode { return m.mode }
