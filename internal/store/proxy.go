package store

import (
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Proxy is the write-through layer between an in-memory cache and the
// database. Every Save persists the full document immediately and records
// which fields changed; Drain batches those field-level mutations into
// serialized diffs for replication to peer instances.
type Proxy struct {
	db         *DB
	collection string

	mu    sync.Mutex
	dirty map[int32]map[string]struct{}
}

// NewProxy creates a proxy for one collection ("users", "groups").
func NewProxy(db *DB, collection string) *Proxy {
	return &Proxy{
		db:         db,
		collection: collection,
		dirty:      make(map[int32]map[string]struct{}),
	}
}

func (p *Proxy) key(id int32) string {
	return fmt.Sprintf("%s:%d", p.collection, id)
}

// Save persists doc and marks the named fields dirty for the next
// replication drain. An empty field list marks the whole document.
func (p *Proxy) Save(id int32, doc any, fields ...string) error {
	raw, err := json.MarshalToString(doc)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%d: %w", p.collection, id, err)
	}
	if err := p.db.set(p.key(id), raw); err != nil {
		return err
	}
	p.mu.Lock()
	set, ok := p.dirty[id]
	if !ok {
		set = make(map[string]struct{})
		p.dirty[id] = set
	}
	if len(fields) == 0 {
		set["*"] = struct{}{}
	}
	for _, f := range fields {
		set[f] = struct{}{}
	}
	p.mu.Unlock()
	return nil
}

// Load unmarshals the document for id into out.
func (p *Proxy) Load(id int32, out any) error {
	raw, err := p.db.get(p.key(id))
	if err != nil {
		return err
	}
	return json.UnmarshalFromString(raw, out)
}

// Delete removes the document and any pending dirty state.
func (p *Proxy) Delete(id int32) error {
	p.mu.Lock()
	delete(p.dirty, id)
	p.mu.Unlock()
	return p.db.delete(p.key(id))
}

// Each visits every raw document in the collection.
func (p *Proxy) Each(fn func(raw []byte) error) error {
	return p.db.eachPrefix(p.collection+":", func(_, value string) error {
		return fn([]byte(value))
	})
}

// Diff is one replication unit: a serialized document plus the fields
// that changed since the last drain. Receivers resolve conflicts by
// highest Modified, last writer wins, at the granularity of the listed
// fields.
type Diff struct {
	Collection string              `json:"collection"`
	ID         int32               `json:"id"`
	Fields     []string            `json:"fields"`
	Doc        jsoniter.RawMessage `json:"doc"`
	Modified   int64               `json:"modified"`
}

// Drain returns a diff for every record saved since the last drain whose
// Modified is newer than since, clears the dirty set, and reports the highest Modified observed
// so the caller can advance its replication clock.
func (p *Proxy) Drain(since int64) ([]Diff, int64, error) {
	p.mu.Lock()
	pending := p.dirty
	p.dirty = make(map[int32]map[string]struct{})
	p.mu.Unlock()

	newest := since
	var diffs []Diff
	for id, set := range pending {
		raw, err := p.db.get(p.key(id))
		if err == ErrNotFound {
			continue // deleted after the write; the purge wins
		}
		if err != nil {
			return nil, since, err
		}
		var meta struct {
			Modified int64 `json:"modified"`
		}
		if err := json.UnmarshalFromString(raw, &meta); err != nil {
			return nil, since, err
		}
		if meta.Modified <= since {
			continue
		}
		if meta.Modified > newest {
			newest = meta.Modified
		}
		fields := make([]string, 0, len(set))
		for f := range set {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		diffs = append(diffs, Diff{
			Collection: p.collection,
			ID:         id,
			Fields:     fields,
			Doc:        jsoniter.RawMessage(raw),
			Modified:   meta.Modified,
		})
	}
	return diffs, newest, nil
}

// Apply merges an incoming peer diff into the local collection. A missing
// local document is taken wholesale. Otherwise the listed fields (or the
// whole document for "*") are overwritten only when the incoming Modified
// is newer.
func (p *Proxy) Apply(diff Diff) error {
	return p.db.update(p.key(diff.ID), func(cur string) (string, error) {
		if cur == "" {
			return string(diff.Doc), nil
		}
		var local map[string]jsoniter.RawMessage
		if err := json.UnmarshalFromString(cur, &local); err != nil {
			return "", err
		}
		var meta struct {
			Modified int64 `json:"modified"`
		}
		if err := json.UnmarshalFromString(cur, &meta); err != nil {
			return "", err
		}
		if diff.Modified <= meta.Modified {
			return cur, nil
		}
		var remote map[string]jsoniter.RawMessage
		if err := json.Unmarshal(diff.Doc, &remote); err != nil {
			return "", err
		}
		wholesale := false
		for _, f := range diff.Fields {
			if f == "*" {
				wholesale = true
				break
			}
		}
		if wholesale {
			return string(diff.Doc), nil
		}
		for _, f := range diff.Fields {
			if v, ok := remote[f]; ok {
				local[f] = v
			} else {
				delete(local, f)
			}
		}
		local["modified"] = remote["modified"]
		return json.MarshalToString(local)
	})
}

// Requeue re-marks the records of failed diffs dirty so the next drain
// picks them up again.
func (p *Proxy) Requeue(diffs []Diff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range diffs {
		set, ok := p.dirty[d.ID]
		if !ok {
			set = make(map[string]struct{})
			p.dirty[d.ID] = set
		}
		for _, f := range d.Fields {
			set[f] = struct{}{}
		}
	}
}

// Peer receives replication diffs. Implementations are expected to be
// idempotent; failed diffs are retried on the next drain tick.
type Peer interface {
	Apply(diff Diff) error
}
