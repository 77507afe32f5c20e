// Package registry maps step references to Invocables and service ids to
// Compensables. It is populated at startup and read-only afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
)

var (
	ErrStepNotRegistered        = errors.New("step not registered")
	ErrCompensatorNotRegistered = errors.New("compensator not registered")
)

type Registry struct {
	logger       *slog.Logger
	mu           sync.RWMutex
	steps        map[string]protocol.Invocable
	factories    map[string]protocol.StepFactory
	compensators map[string]protocol.Compensable
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:       log,
		steps:        make(map[string]protocol.Invocable),
		factories:    make(map[string]protocol.StepFactory),
		compensators: make(map[string]protocol.Compensable),
	}
}

func (r *Registry) RegisterStep(ref string, step protocol.Invocable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps[ref] = step
}

// RegisterFactory makes the factory's steps resolvable by its ID.
func (r *Registry) RegisterFactory(factory protocol.StepFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
}

func (r *Registry) RegisterCompensator(serviceID string, compensator protocol.Compensable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.compensators[serviceID] = compensator
}

// Step resolves a step reference. Explicitly registered steps win over
// factories; a factory is instantiated with the node's metadata.
func (r *Registry) Step(ref string, config map[string]any) (protocol.Invocable, error) {
	r.mu.RLock()
	step, ok := r.steps[ref]
	factory, hasFactory := r.factories[ref]
	r.mu.RUnlock()

	if ok {
		return step, nil
	}

	if hasFactory {
		created, err := factory.Create(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create step %q: %w", ref, err)
		}

		return created, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrStepNotRegistered, ref)
}

func (r *Registry) HasStep(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.steps[ref]
	_, hasFactory := r.factories[ref]

	return ok || hasFactory
}

// Compensate dispatches to the compensator registered for the action's service.
func (r *Registry) Compensate(ctx context.Context, tx models.Transaction, action models.CompensationAction) error {
	r.mu.RLock()
	compensator, ok := r.compensators[action.ServiceID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrCompensatorNotRegistered, action.ServiceID)
	}

	return compensator.Compensate(ctx, tx, action)
}

// Steps lists every resolvable reference.
func (r *Registry) Steps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.steps)+len(r.factories))
	for ref := range r.steps {
		refs = append(refs, ref)
	}

	for ref := range r.factories {
		if _, dup := r.steps[ref]; !dup {
			refs = append(refs, ref)
		}
	}

	sort.Strings(refs)

	return refs
}

// LoadStepPlugins opens every .so under pluginsPath/steps and registers the
// StepFactory exported as "Step".
func (r *Registry) LoadStepPlugins(pluginsPath string) error {
	factories, err := loadPlugin[protocol.StepFactory](r.logger, filepath.Join(pluginsPath, "steps"), "Step")
	if err != nil {
		return err
	}

	for _, factory := range factories {
		r.RegisterFactory(factory)
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, rootPath string, symbolName string) ([]T, error) {
	paths, err := fs.Glob(os.DirFS(rootPath), "*/*.so")
	if err != nil {
		return nil, err
	}

	flat, err := fs.Glob(os.DirFS(rootPath), "*.so")
	if err != nil {
		return nil, err
	}

	paths = append(paths, flat...)

	l := logger.With(slog.String("path", rootPath), slog.String("symbol", symbolName))
	l.Info("Loading plugins", "count", len(paths))

	loaded := make([]T, 0, len(paths))

	for _, p := range paths {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, symbolName, err)
		}

		value, ok := symbol.(T)
		if !ok {
			// Exported variables are looked up as pointers.
			if ptr, isPtr := symbol.(*T); isPtr {
				value, ok = *ptr, true
			}
		}

		if !ok {
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, symbol)
		}

		loaded = append(loaded, value)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return loaded, nil
}
