// Package counters maintains the dashboard counter categories and the
// free-form individual counters.
//
// Category values are adjusted only by transition deltas. They are a
// projection of the transitions seen by this process and can drift from
// the real domain state when a transition is missed or applied twice;
// nothing in this package reconciles them.
package counters

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Tyrowin/fanout/internal/apperr"
)

// Kind is a transition kind.
type Kind string

const (
	Created       Kind = "created"
	StatusChanged Kind = "status_changed"
	Cancelled     Kind = "cancelled"
	Deleted       Kind = "deleted"
)

// ParseKind validates a transition kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Created, StatusChanged, Cancelled, Deleted:
		return k, true
	}
	return "", false
}

// CategorySnapshot is an immutable copy of one category.
type CategorySnapshot struct {
	Category    string           `json:"category"`
	Values      map[string]int64 `json:"values"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// Individual is a free-form named counter.
type Individual struct {
	ID          string          `json:"id"`
	Value       float64         `json:"value"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Snapshot is a copy of the whole board.
type Snapshot struct {
	Categories map[string]CategorySnapshot `json:"categories"`
	Individual map[string]Individual       `json:"individual,omitempty"`
}

type state struct {
	values      map[string]int64
	lastUpdated time.Time
}

// Board holds every category and the individual counters. It is not safe
// for concurrent use.
type Board struct {
	state      map[string]*state
	individual map[string]Individual
	now        func() time.Time
}

// NewBoard creates a Board with every category at zero.
func NewBoard(now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	b := &Board{
		state:      make(map[string]*state, len(categories)),
		individual: make(map[string]Individual),
		now:        now,
	}
	for _, c := range categories {
		values := make(map[string]int64, len(c.fields))
		for _, f := range c.fields {
			values[f] = 0
		}
		b.state[c.name] = &state{values: values}
	}
	return b
}

// Deltas computes the field adjustments of one transition without applying
// them.
func Deltas(categoryName string, kind Kind, from, to string) (map[string]int64, error) {
	const op = "counters.transition"

	c, ok := categoryByName[categoryName]
	if !ok {
		return nil, apperr.Validation(op, "unknown category %q", categoryName)
	}
	bucketOf := func(field, status string) (string, error) {
		if status == "" {
			return "", apperr.Validation(op, "%s status is required for %s", field, kind)
		}
		b, ok := c.bucket(status)
		if !ok {
			return "", apperr.Validation(op, "unknown %s status %q", categoryName, status)
		}
		return b, nil
	}

	d := make(map[string]int64, 3)
	switch kind {
	case Created:
		toBucket, err := bucketOf("to", to)
		if err != nil {
			return nil, err
		}
		d[toBucket]++
		if !c.leavesTotal(to) {
			d[Total]++
		}
	case StatusChanged:
		fromBucket, err := bucketOf("from", from)
		if err != nil {
			return nil, err
		}
		toBucket, err := bucketOf("to", to)
		if err != nil {
			return nil, err
		}
		d[fromBucket]--
		d[toBucket]++
		switch {
		case c.leavesTotal(to) && !c.leavesTotal(from):
			d[Total]--
		case c.leavesTotal(from) && !c.leavesTotal(to):
			d[Total]++
		}
	case Cancelled:
		if c.cancelStatus == "" {
			return nil, apperr.Validation(op, "%s cannot be cancelled", categoryName)
		}
		fromBucket, err := bucketOf("from", from)
		if err != nil {
			return nil, err
		}
		if c.leavesTotal(from) {
			return nil, apperr.Validation(op, "%s entry is already %s", categoryName, strings.ToLower(c.cancelStatus))
		}
		cancelBucket, _ := c.bucket(c.cancelStatus)
		d[fromBucket]--
		d[cancelBucket]++
		d[Total]--
	case Deleted:
		fromBucket, err := bucketOf("from", from)
		if err != nil {
			return nil, err
		}
		d[fromBucket]--
		if !c.leavesTotal(from) {
			d[Total]--
		}
	default:
		return nil, apperr.Validation(op, "unknown transition kind %q", kind)
	}

	for f, v := range d {
		if v == 0 {
			delete(d, f)
		}
	}
	return d, nil
}

// Transition applies one transition and returns the updated category. A
// rejected transition leaves the board unchanged.
func (b *Board) Transition(categoryName string, kind Kind, from, to string) (CategorySnapshot, error) {
	d, err := Deltas(categoryName, kind, from, to)
	if err != nil {
		return CategorySnapshot{}, err
	}
	b.apply(categoryName, d)
	return b.Category(categoryName)
}

func (b *Board) apply(categoryName string, d map[string]int64) {
	s := b.state[categoryName]
	for f, v := range d {
		s.values[f] += v
	}
	s.lastUpdated = b.now()
}

// Category returns a copy of one category.
func (b *Board) Category(name string) (CategorySnapshot, error) {
	s, ok := b.state[name]
	if !ok {
		return CategorySnapshot{}, apperr.NotFound("counters.category", "unknown category %q", name)
	}
	return s.snapshot(name), nil
}

func (s *state) snapshot(name string) CategorySnapshot {
	values := make(map[string]int64, len(s.values))
	for f, v := range s.values {
		values[f] = v
	}
	return CategorySnapshot{Category: name, Values: values, LastUpdated: s.lastUpdated}
}

// SetIndividual stores an individual counter, replacing any previous value.
func (b *Board) SetIndividual(id string, value float64, metadata json.RawMessage) (Individual, error) {
	if strings.TrimSpace(id) == "" {
		return Individual{}, apperr.Validation("counters.set_individual", "id is required")
	}
	c := Individual{ID: id, Value: value, LastUpdated: b.now()}
	if len(metadata) > 0 {
		c.Metadata = append(json.RawMessage(nil), metadata...)
	}
	b.individual[id] = c
	return c, nil
}

// Snapshot copies the requested categories and every individual counter
// whose id has one of prefixes. No categories means all of them; no
// prefixes means every individual counter.
func (b *Board) Snapshot(categoryNames []string, prefixes []string) (Snapshot, error) {
	if len(categoryNames) == 0 {
		categoryNames = Categories()
	}
	snap := Snapshot{
		Categories: make(map[string]CategorySnapshot, len(categoryNames)),
		Individual: make(map[string]Individual),
	}
	for _, name := range categoryNames {
		cs, err := b.Category(name)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Categories[name] = cs
	}
	for id, c := range b.individual {
		if !hasAnyPrefix(id, prefixes) {
			continue
		}
		c.Metadata = append(json.RawMessage(nil), c.Metadata...)
		snap.Individual[id] = c
	}
	return snap, nil
}

func hasAnyPrefix(id string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// StatusCount is one row of a start-up rescan.
type StatusCount struct {
	Status string
	Count  int64
}

// Seed applies rescanned rows as bulk created transitions. Every row is
// validated before any category changes.
func (b *Board) Seed(rows map[string][]StatusCount) (int, error) {
	pending := make(map[string]map[string]int64, len(rows))
	applied := 0
	for name, counts := range rows {
		acc := make(map[string]int64)
		for _, sc := range counts {
			d, err := Deltas(name, Created, "", sc.Status)
			if err != nil {
				return 0, err
			}
			for f, v := range d {
				acc[f] += v * sc.Count
			}
			applied++
		}
		pending[name] = acc
	}
	for name, d := range pending {
		b.apply(name, d)
	}
	return applied, nil
}
