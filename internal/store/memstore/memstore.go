// Package memstore is an in-memory implementation of the store interfaces.
//
// It backs dry runs against fixtures and the rotation tests. Tables record
// every update in a shared Journal so that cross-category ordering can be
// asserted, and accept injected failures per record.
package memstore

import (
	"context"
	"fmt"
	"sync"

	dserrors "github.com/systmms/rekey/internal/errors"
	"github.com/systmms/rekey/internal/store"
	"github.com/systmms/rekey/pkg/entity"
)

// Entry is one journaled update.
type Entry struct {
	Entity string
	ID     string
}

// Journal records updates across tables in the order they happened.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
}

func (j *Journal) add(entity, id string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, Entry{Entity: entity, ID: id})
}

// Entries returns a copy of the journal.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// IDs returns the IDs of all journaled updates in order.
func (j *Journal) IDs() []string {
	entries := j.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// Table holds the records of one category, keyed by ID, in insertion order.
type Table[T any] struct {
	mu      sync.Mutex
	entity  string
	id      func(T) string
	clone   func(T) T
	journal *Journal

	order   []string
	records map[string]T

	listErr    error
	getErrs    map[string]error
	updateErrs map[string]error
	gets       int
	updates    int
}

func newTable[T any](entity string, journal *Journal, id func(T) string, clone func(T) T) *Table[T] {
	return &Table[T]{
		entity:     entity,
		id:         id,
		clone:      clone,
		journal:    journal,
		records:    make(map[string]T),
		getErrs:    make(map[string]error),
		updateErrs: make(map[string]error),
	}
}

// Put inserts or replaces records without journaling.
func (t *Table[T]) Put(records ...T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		id := t.id(r)
		if _, ok := t.records[id]; !ok {
			t.order = append(t.order, id)
		}
		t.records[id] = t.clone(r)
	}
}

// Record returns the stored copy of id.
func (t *Table[T]) Record(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.clone(r), true
}

// FailList makes ListAll return err.
func (t *Table[T]) FailList(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listErr = err
}

// FailGet makes Get of id return err.
func (t *Table[T]) FailGet(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getErrs[id] = err
}

// FailUpdate makes Update of id return err.
func (t *Table[T]) FailUpdate(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateErrs[id] = err
}

// Gets returns the number of Get calls.
func (t *Table[T]) Gets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gets
}

// Updates returns the number of successful Update calls.
func (t *Table[T]) Updates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.updates
}

func (t *Table[T]) ListAll(_ context.Context) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listErr != nil {
		return nil, t.fail("list", "", t.listErr)
	}
	out := make([]T, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.clone(t.records[id]))
	}
	return out, nil
}

func (t *Table[T]) Get(_ context.Context, id string) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gets++
	var zero T
	if err := t.getErrs[id]; err != nil {
		return zero, t.fail("get", id, err)
	}
	r, ok := t.records[id]
	if !ok {
		return zero, t.fail("get", id, store.ErrNotFound)
	}
	return t.clone(r), nil
}

func (t *Table[T]) Update(_ context.Context, record T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.id(record)
	if err := t.updateErrs[id]; err != nil {
		return t.fail("update", id, err)
	}
	if _, ok := t.records[id]; !ok {
		return t.fail("update", id, store.ErrNotFound)
	}
	t.records[id] = t.clone(record)
	t.updates++
	t.journal.add(t.entity, id)
	return nil
}

func (t *Table[T]) fail(op, id string, err error) error {
	return &dserrors.StoreError{Entity: t.entity, Operation: op, ID: id, Err: err}
}

// ServiceTable is a Table of services that implements store.ServiceRepository.
type ServiceTable struct {
	*Table[*entity.Service]
	category       string
	connectionType string
}

var _ store.ServiceRepository = (*ServiceTable)(nil)

func (s *ServiceTable) ConnectionType() string  { return s.connectionType }
func (s *ServiceTable) ServiceCategory() string { return s.category }

func (s *ServiceTable) ListAll(ctx context.Context) ([]*entity.Service, error) {
	services, err := s.Table.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		svc.ConnectionType = s.connectionType
	}
	return services, nil
}

func (s *ServiceTable) Get(ctx context.Context, id string) (*entity.Service, error) {
	svc, err := s.Table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.ConnectionType = s.connectionType
	return svc, nil
}

// Database groups tables that share one Journal.
type Database struct {
	Journal *Journal
}

// New returns an empty database.
func New() *Database {
	return &Database{Journal: &Journal{}}
}

// Services creates the table of one service category.
func (d *Database) Services(category, connectionType string, records ...*entity.Service) *ServiceTable {
	t := &ServiceTable{
		Table:          newTable(category, d.Journal, serviceID, (*entity.Service).Clone),
		category:       category,
		connectionType: connectionType,
	}
	t.Put(records...)
	return t
}

// Users creates the user table.
func (d *Database) Users(records ...*entity.User) *Table[*entity.User] {
	t := newTable("user", d.Journal, func(u *entity.User) string { return u.ID }, (*entity.User).Clone)
	t.Put(records...)
	return t
}

// IngestionPipelines creates the ingestion pipeline table.
func (d *Database) IngestionPipelines(records ...*entity.IngestionPipeline) *Table[*entity.IngestionPipeline] {
	t := newTable("ingestionPipeline", d.Journal, func(p *entity.IngestionPipeline) string { return p.ID }, (*entity.IngestionPipeline).Clone)
	t.Put(records...)
	return t
}

// Workflows creates the workflow table.
func (d *Database) Workflows(records ...*entity.Workflow) *Table[*entity.Workflow] {
	t := newTable("workflow", d.Journal, func(w *entity.Workflow) string { return w.ID }, (*entity.Workflow).Clone)
	t.Put(records...)
	return t
}

func serviceID(s *entity.Service) string { return s.ID }

// String describes the table for debug output.
func (t *Table[T]) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("memstore %s (%d records)", t.entity, len(t.records))
}
