package tool

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Loader resolves fully qualified tool names to handlers. Handlers are
// instantiated on first use and cached for the lifetime of the loader.
type Loader struct {
	logger    *zap.Logger
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Tool
}

// NewLoader creates a loader with no registered tools
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger:    logger.Named("tool-loader"),
		factories: make(map[string]Factory),
		cache:     make(map[string]Tool),
	}
}

// Register binds a factory to a tool name, replacing any earlier binding
func (l *Loader) Register(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.factories[name] = factory
	delete(l.cache, name)
	l.logger.Debug("Registered tool factory", zap.String("tool", name))
}

// Has reports whether a factory is registered for name
func (l *Loader) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.factories[name]
	return ok
}

// Names returns the registered tool names in order
func (l *Loader) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.factories))
	for name := range l.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the handler for name, instantiating it on first use.
// Factory failures are returned to the caller and retried on the next call.
func (l *Loader) Get(name string) (Tool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.cache[name]; ok {
		return t, nil
	}

	factory, ok := l.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotRegistered, name)
	}

	t, err := factory(l.logger.With(zap.String("tool", name)))
	if err != nil {
		l.logger.Error("Failed to load tool", zap.String("tool", name), zap.Error(err))
		return nil, fmt.Errorf("%w %s: %w", ErrLoadFailed, name, err)
	}
	if t == nil {
		return nil, fmt.Errorf("%w %s: factory returned nil", ErrLoadFailed, name)
	}

	l.cache[name] = t
	l.logger.Info("Tool loaded", zap.String("tool", name))
	return t, nil
}
