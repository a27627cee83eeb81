// Package store provides the in-memory Document Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/friendfund/backend/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu     sync.RWMutex
	docs   map[string]map[string]entry  // collection -> id -> entry
	unique map[string]map[string]string // collection -> unique key -> id
	seq    int64
	now    func() time.Time
}

type entry struct {
	doc ledger.Document
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		docs:   make(map[string]map[string]entry),
		unique: make(map[string]map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Insert(_ context.Context, doc ledger.Document) (ledger.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(doc)
}

func (m *Memory) GetByID(_ context.Context, collection, id string) (ledger.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(collection, id)
}

func (m *Memory) Update(_ context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(collection, id, nil, partial)
}

func (m *Memory) UpdateIf(_ context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(collection, id, &expectedVersion, partial)
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(collection, id, nil)
}

func (m *Memory) DeleteIf(_ context.Context, collection, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(collection, id, &expectedVersion)
}

func (m *Memory) Query(_ context.Context, q ledger.Query) ([]ledger.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(q)
}

// =============================================================================
// LOCKED OPERATIONS - caller holds mu
// =============================================================================

func (m *Memory) insertLocked(doc ledger.Document) (ledger.Document, error) {
	if doc.ID == "" || doc.Collection == "" {
		return ledger.Document{}, fmt.Errorf("%w: document id and collection are required", ledger.ErrInvalidArgument)
	}
	coll := m.docs[doc.Collection]
	if coll == nil {
		coll = make(map[string]entry)
		m.docs[doc.Collection] = coll
	}
	if _, exists := coll[doc.ID]; exists {
		return ledger.Document{}, ledger.ErrDuplicateKey
	}
	keys := m.unique[doc.Collection]
	if keys == nil {
		keys = make(map[string]string)
		m.unique[doc.Collection] = keys
	}
	for _, k := range doc.UniqueKeys {
		if _, taken := keys[k]; taken {
			return ledger.Document{}, ledger.ErrDuplicateKey
		}
	}

	now := m.now()
	stored := ledger.Document{
		ID:         doc.ID,
		Collection: doc.Collection,
		Fields:     copyFields(doc.Fields),
		UniqueKeys: append([]string(nil), doc.UniqueKeys...),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.seq++
	coll[doc.ID] = entry{doc: stored, seq: m.seq}
	for _, k := range stored.UniqueKeys {
		keys[k] = doc.ID
	}
	return cloneDoc(stored), nil
}

func (m *Memory) getLocked(collection, id string) (ledger.Document, error) {
	e, ok := m.docs[collection][id]
	if !ok {
		return ledger.Document{}, ledger.ErrDocumentNotFound
	}
	return cloneDoc(e.doc), nil
}

func (m *Memory) updateLocked(collection, id string, expected *int64, partial map[string]any) (ledger.Document, error) {
	e, ok := m.docs[collection][id]
	if !ok {
		return ledger.Document{}, ledger.ErrDocumentNotFound
	}
	if expected != nil && e.doc.Version != *expected {
		return ledger.Document{}, ledger.ErrVersionConflict
	}
	next := e.doc
	next.Fields = copyFields(e.doc.Fields)
	for k, v := range partial {
		next.Fields[k] = v
	}
	next.Version++
	next.UpdatedAt = m.now()
	m.docs[collection][id] = entry{doc: next, seq: e.seq}
	return cloneDoc(next), nil
}

func (m *Memory) deleteLocked(collection, id string, expected *int64) error {
	e, ok := m.docs[collection][id]
	if !ok {
		return ledger.ErrDocumentNotFound
	}
	if expected != nil && e.doc.Version != *expected {
		return ledger.ErrVersionConflict
	}
	delete(m.docs[collection], id)
	for _, k := range e.doc.UniqueKeys {
		delete(m.unique[collection], k)
	}
	return nil
}

func (m *Memory) queryLocked(q ledger.Query) ([]ledger.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var matched []entry
	for _, e := range m.docs[q.Collection] {
		if matches(e.doc, q.Filters) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.doc.CreatedAt.Equal(b.doc.CreatedAt) {
			return a.doc.CreatedAt.After(b.doc.CreatedAt)
		}
		return a.seq > b.seq
	})

	if q.Offset >= len(matched) {
		return []ledger.Document{}, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	out := make([]ledger.Document, len(matched))
	for i, e := range matched {
		out[i] = cloneDoc(e.doc)
	}
	return out, nil
}

func matches(doc ledger.Document, filters []ledger.Filter) bool {
	for _, f := range filters {
		v, _ := doc.Fields[f.Field].(string)
		switch f.Op {
		case ledger.OpEquals:
			if v != f.Value {
				return false
			}
		case ledger.OpContains:
			if !strings.Contains(strings.ToLower(v), strings.ToLower(f.Value)) {
				return false
			}
		}
	}
	return true
}

func copyFields(f map[string]any) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func cloneDoc(d ledger.Document) ledger.Document {
	d.Fields = copyFields(d.Fields)
	d.UniqueKeys = append([]string(nil), d.UniqueKeys...)
	return d
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	txStore := &txMemoryView{parent: tm}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	docsCopy := make(map[string]map[string]entry, len(tm.docs))
	for coll, byID := range tm.docs {
		c := make(map[string]entry, len(byID))
		for id, e := range byID {
			c[id] = e
		}
		docsCopy[coll] = c
	}
	uniqueCopy := make(map[string]map[string]string, len(tm.unique))
	for coll, keys := range tm.unique {
		c := make(map[string]string, len(keys))
		for k, id := range keys {
			c[k] = id
		}
		uniqueCopy[coll] = c
	}
	return memorySnapshot{docs: docsCopy, unique: uniqueCopy, seq: tm.seq}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.docs = s.docs
	tm.unique = s.unique
	tm.seq = s.seq
}

type memorySnapshot struct {
	docs   map[string]map[string]entry
	unique map[string]map[string]string
	seq    int64
}

type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Insert(_ context.Context, doc ledger.Document) (ledger.Document, error) {
	return tv.parent.insertLocked(doc)
}

func (tv *txMemoryView) GetByID(_ context.Context, collection, id string) (ledger.Document, error) {
	return tv.parent.getLocked(collection, id)
}

func (tv *txMemoryView) Update(_ context.Context, collection, id string, partial map[string]any) (ledger.Document, error) {
	return tv.parent.updateLocked(collection, id, nil, partial)
}

func (tv *txMemoryView) UpdateIf(_ context.Context, collection, id string, expectedVersion int64, partial map[string]any) (ledger.Document, error) {
	return tv.parent.updateLocked(collection, id, &expectedVersion, partial)
}

func (tv *txMemoryView) Delete(_ context.Context, collection, id string) error {
	return tv.parent.deleteLocked(collection, id, nil)
}

func (tv *txMemoryView) DeleteIf(_ context.Context, collection, id string, expectedVersion int64) error {
	return tv.parent.deleteLocked(collection, id, &expectedVersion)
}

func (tv *txMemoryView) Query(_ context.Context, q ledger.Query) ([]ledger.Document, error) {
	return tv.parent.queryLocked(q)
}
