// Package contextstore holds the per-run working memory of every node.
//
// Updates to different names proceed concurrently; updates to the same name
// are serialized. Reads return deep copies so callers can never mutate stored
// memory behind the store's back.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
)

var ErrInvalidPatch = errors.New("invalid working memory patch")

type entry struct {
	mu     sync.Mutex
	memory models.WorkingMemory
	// hasResult is set once a result was stored, nil results included.
	hasResult bool
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) entry(name string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok = s.entries[name]
	if !ok {
		e = &entry{}
		s.entries[name] = e
	}

	return e
}

// Get returns a copy of the named memory.
func (s *Store) Get(name string) (models.WorkingMemory, bool) {
	e := s.entry(name, false)
	if e == nil {
		return models.WorkingMemory{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return cloneMemory(e.memory), true
}

// Update shallow-merges patch into the named memory, creating it if absent.
// The well-known keys (last_result, prior_results, has_error, error_ref) set
// the typed fields; every other key lands in Fields.
func (s *Store) Update(name string, patch map[string]any) error {
	staged := models.WorkingMemory{}

	err := applyPatch(&staged, patch)
	if err != nil {
		return fmt.Errorf("update %q: %w", name, err)
	}

	e := s.entry(name, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := patch[models.MemoryLastResult]; ok {
		e.hasResult = true
	}

	return applyPatch(&e.memory, patch)
}

// Record stores result as the latest result, shifting the previous one into
// the prior results and clearing any error flag.
func (s *Store) Record(name string, result any) {
	e := s.entry(name, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasResult || e.memory.LastResult != nil {
		e.memory.PriorResults = append(e.memory.PriorResults, e.memory.LastResult)
	}

	e.memory.LastResult = cloneValue(result)
	e.hasResult = true
	e.memory.HasError = false
	e.memory.ErrorRef = ""
}

// MarkError flags the named memory as failed.
func (s *Store) MarkError(name, errorRef string) {
	e := s.entry(name, true)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.memory.HasError = true
	e.memory.ErrorRef = errorRef
}

func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, name)
}

// Clear drops every entry; called once a run reaches a terminal state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Snapshot copies every entry.
func (s *Store) Snapshot() map[string]models.WorkingMemory {
	snapshot := make(map[string]models.WorkingMemory)

	for _, name := range s.Names() {
		if memory, ok := s.Get(name); ok {
			snapshot[name] = memory
		}
	}

	return snapshot
}

// Restore replaces the named entries with the given snapshot.
func (s *Store) Restore(snapshot map[string]models.WorkingMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, memory := range snapshot {
		s.entries[name] = &entry{memory: cloneMemory(memory)}
	}
}

// Save writes a snapshot of the store under the run's context key.
func (s *Store) Save(ctx context.Context, store persistence.Store, runID string) error {
	blob, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal context snapshot: %w", err)
	}

	return store.Save(ctx, persistence.ContextKey(runID), blob)
}

// Load rebuilds a store from the run's persisted snapshot.
func Load(ctx context.Context, store persistence.Store, runID string) (*Store, error) {
	blob, err := store.Load(ctx, persistence.ContextKey(runID))
	if err != nil {
		return nil, err
	}

	var snapshot map[string]models.WorkingMemory

	err = json.Unmarshal(blob, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal context snapshot: %w", err)
	}

	restored := New()
	restored.Restore(snapshot)

	return restored, nil
}

func applyPatch(memory *models.WorkingMemory, patch map[string]any) error {
	for key, value := range patch {
		switch key {
		case models.MemoryLastResult:
			memory.LastResult = cloneValue(value)
		case models.MemoryPriorResults:
			prior, ok := value.([]any)
			if !ok && value != nil {
				return fmt.Errorf("%w: %s must be a list, got %T", ErrInvalidPatch, key, value)
			}

			memory.PriorResults, _ = cloneValue(prior).([]any)
		case models.MemoryHasError:
			flag, ok := value.(bool)
			if !ok {
				return fmt.Errorf("%w: %s must be a bool, got %T", ErrInvalidPatch, key, value)
			}

			memory.HasError = flag
		case models.MemoryErrorRef:
			ref, ok := value.(string)
			if !ok {
				return fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidPatch, key, value)
			}

			memory.ErrorRef = ref
		default:
			if memory.Fields == nil {
				memory.Fields = make(map[string]any)
			}

			memory.Fields[key] = cloneValue(value)
		}
	}

	return nil
}
