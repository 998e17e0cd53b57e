// CLAUDE:SUMMARY Item record and snapshot map keyed by stable identifier, with sorted iteration and digest.
// Package item defines the tracked catalog item and the snapshot of all
// tracked items keyed by their stable identifier.
package item

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is one tracked catalog item and its last observed availability.
//
// Identity is the ID alone. Two records with the same ID are the same tracked
// item whatever their metadata or state.
type Record struct {
	ID          string    `json:"id"` // call number (shelf mode) or MARC number (pinned mode)
	MarcNo      string    `json:"marc_no"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Publisher   string    `json:"publisher"`
	PublishDate string    `json:"publish_date"`
	Available   bool      `json:"available"`
	URL         string    `json:"url,omitempty"`
	ChangedAt   time.Time `json:"changed_at,omitzero"`
}

// Key returns the stable identifier used as snapshot key.
func (r Record) Key() string { return r.ID }

// SameItem reports whether r and o designate the same tracked item.
func (r Record) SameItem(o Record) bool { return r.ID == o.ID }

// StateLabel returns a short human label for the availability state.
func (r Record) StateLabel() string {
	if r.Available {
		return "available"
	}
	return "on loan"
}

// Description joins the display metadata and the identifier.
func (r Record) Description() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{r.Title, r.Author, r.Publisher, r.PublishDate, r.ID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// String formats the record the way notifications list it.
func (r Record) String() string {
	return fmt.Sprintf("[%s] %s", r.StateLabel(), r.Description())
}

// Snapshot maps stable identifiers to the last observed record of every
// tracked item.
type Snapshot map[string]Record

// Get returns the record stored under id.
func (s Snapshot) Get(id string) (Record, bool) {
	r, ok := s[id]
	return r, ok
}

// Put stores r under its key, replacing any record with the same identity.
func (s Snapshot) Put(r Record) { s[r.Key()] = r }

// Delete removes the record stored under id.
func (s Snapshot) Delete(id string) { delete(s, id) }

// Keys returns the identifiers in ascending order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Records returns the records ordered by identifier.
func (s Snapshot) Records() []Record {
	out := make([]Record, 0, len(s))
	for _, k := range s.Keys() {
		out = append(out, s[k])
	}
	return out
}

// Clone returns an independent copy of s. A nil snapshot clones to an empty one.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Digest returns a hex content fingerprint that changes whenever any record
// changes. Used as an HTTP ETag and in status output.
func (s Snapshot) Digest() string {
	h := xxhash.New()
	for _, r := range s.Records() {
		data, _ := json.Marshal(r)
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
