package localstore

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// degraded mode of Resilient.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	records     map[Collection]map[string]Record
	prefs       map[string]string
}

// NewMemoryStore returns an empty, uninitialized store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Initialize creates the collections
func (m *MemoryStore) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	m.records = make(map[Collection]map[string]Record, len(Collections()))
	for _, c := range Collections() {
		m.records[c] = make(map[string]Record)
	}
	m.prefs = make(map[string]string)
	m.initialized = true
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	return m.Update(ctx, func(tx Tx) error { return tx.Put(rec) })
}

func (m *MemoryStore) Get(ctx context.Context, c Collection, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return Record{}, ErrNotInitialized
	}
	return getFrom(m.records, c, key)
}

func (m *MemoryStore) Delete(ctx context.Context, c Collection, key string) error {
	return m.Update(ctx, func(tx Tx) error { return tx.Delete(c, key) })
}

// QueryByIndex snapshots matching records at the start of each iteration
func (m *MemoryStore) QueryByIndex(ctx context.Context, c Collection, r Range) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.mu.RLock()
		if !m.initialized {
			m.mu.RUnlock()
			yield(Record{}, ErrNotInitialized)
			return
		}
		coll, ok := m.records[c]
		if !ok {
			m.mu.RUnlock()
			yield(Record{}, fmt.Errorf("%w: %q", ErrUnknownCollection, c))
			return
		}
		matched := make([]Record, 0, len(coll))
		for _, rec := range coll {
			if r.match(rec) {
				matched = append(matched, rec)
			}
		}
		m.mu.RUnlock()

		sort.Slice(matched, func(i, j int) bool { return r.less(matched[i], matched[j]) })
		if r.limit > 0 && len(matched) > r.limit {
			matched = matched[:r.limit]
		}

		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Count(ctx context.Context, c Collection) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return 0, ErrNotInitialized
	}
	return len(m.records[c]), nil
}

// Update applies fn to a copy of the touched state and swaps it in on success
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}

	tx := &memoryTx{
		base:    m.records,
		records: make(map[Collection]map[string]Record),
		prefs:   maps.Clone(m.prefs),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for c, coll := range tx.records {
		m.records[c] = coll
	}
	m.prefs = tx.prefs
	return nil
}

func (m *MemoryStore) GetPref(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return "", false, ErrNotInitialized
	}
	v, ok := m.prefs[key]
	return v, ok, nil
}

func (m *MemoryStore) SetPref(ctx context.Context, key, value string) error {
	return m.Update(ctx, func(tx Tx) error { return tx.SetPref(key, value) })
}

func (m *MemoryStore) DeletePref(ctx context.Context, key string) error {
	return m.Update(ctx, func(tx Tx) error { return tx.DeletePref(key) })
}

func (m *MemoryStore) Close() error {
	return nil
}

// memoryTx copies a collection the first time the transaction writes to it
type memoryTx struct {
	base    map[Collection]map[string]Record
	records map[Collection]map[string]Record
	prefs   map[string]string
}

func (t *memoryTx) view(c Collection) map[string]Record {
	if coll, ok := t.records[c]; ok {
		return coll
	}
	return t.base[c]
}

func (t *memoryTx) writable(c Collection) map[string]Record {
	if coll, ok := t.records[c]; ok {
		return coll
	}
	coll := maps.Clone(t.base[c])
	if coll == nil {
		coll = make(map[string]Record)
	}
	t.records[c] = coll
	return coll
}

func (t *memoryTx) Put(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := rec.validate(); err != nil {
		return err
	}
	rec.Data = append([]byte(nil), rec.Data...)
	t.writable(rec.Collection)[rec.Key] = rec
	return nil
}

func (t *memoryTx) Get(c Collection, key string) (Record, error) {
	return getFrom(map[Collection]map[string]Record{c: t.view(c)}, c, key)
}

func (t *memoryTx) Delete(c Collection, key string) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	if _, ok := t.view(c)[key]; ok {
		delete(t.writable(c), key)
	}
	return nil
}

func (t *memoryTx) SetPref(key, value string) error {
	t.prefs[key] = value
	return nil
}

func (t *memoryTx) DeletePref(key string) error {
	delete(t.prefs, key)
	return nil
}

func getFrom(records map[Collection]map[string]Record, c Collection, key string) (Record, error) {
	if !c.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	rec, ok := records[c][key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, c, key)
	}
	return rec, nil
}
