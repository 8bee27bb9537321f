// Package registry holds the capability descriptors of every known tool.
// Descriptors are loaded once from an owner segmented tree:
//
//	<root>/<owner>/<tool>.json|.yaml|.yml
//
// and registered under the fully qualified name <owner>/<name>.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/animus/internal/model"
)

// ErrDuplicateTool is returned when two descriptors share a fully qualified name
var ErrDuplicateTool = errors.New("duplicate tool")

// Registry is a read-mostly table of tool descriptors
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	tools  map[string]*model.ToolMetadata
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger.Named("tool-registry"),
		tools:  make(map[string]*model.ToolMetadata),
	}
}

// NewOsRegistry loads a registry from the operating system filesystem
func NewOsRegistry(root string, logger *zap.Logger) (*Registry, error) {
	return Load(afero.NewOsFs(), root, logger)
}

// Load walks root and registers every descriptor found one level below each owner directory.
// A missing root yields an empty registry.
func Load(fs afero.Fs, root string, logger *zap.Logger) (*Registry, error) {
	r := New(logger)

	exists, err := afero.DirExists(fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to check registry directory: %w", err)
	}
	if !exists {
		r.logger.Warn("Registry directory does not exist", zap.String("root", root))
		return r, nil
	}

	owners, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry directory: %w", err)
	}

	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerPath := filepath.Join(root, owner.Name())
		files, err := afero.ReadDir(fs, ownerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read owner directory %s: %w", owner.Name(), err)
		}

		for _, file := range files {
			if file.IsDir() || !isDescriptor(file.Name()) {
				continue
			}
			path := filepath.Join(ownerPath, file.Name())
			meta, err := loadDescriptor(fs, path)
			if err != nil {
				return nil, fmt.Errorf("failed to load descriptor %s: %w", path, err)
			}
			if meta.Name == "" {
				meta.Name = strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
			}
			meta.Name = owner.Name() + model.IDSeparator + meta.Name

			if err := r.Register(meta); err != nil {
				return nil, fmt.Errorf("failed to register descriptor %s: %w", path, err)
			}
		}
	}

	r.logger.Info("Tool registry loaded",
		zap.String("root", root),
		zap.Int("tools", r.Len()))
	return r, nil
}

// Register validates a descriptor, derives its format lists and adds it
func (r *Registry) Register(meta *model.ToolMetadata) error {
	if err := model.ValidateToolMetadata(meta); err != nil {
		return err
	}
	if !strings.Contains(meta.Name, model.IDSeparator) {
		return fmt.Errorf("tool name %q is not qualified as owner/tool", meta.Name)
	}
	meta.Flatten()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[meta.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, meta.Name)
	}
	r.tools[meta.Name] = meta

	r.logger.Debug("Tool registered",
		zap.String("tool", meta.Name),
		zap.String("type", meta.Type))
	return nil
}

// Lookup returns the descriptor registered under a fully qualified name
func (r *Registry) Lookup(name string) (*model.ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.tools[name]
	return meta, ok
}

// All returns every descriptor sorted by name
func (r *Registry) All() []*model.ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*model.ToolMetadata, 0, len(r.tools))
	for _, meta := range r.tools {
		all = append(all, meta)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Len returns the number of registered descriptors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func loadDescriptor(fs afero.Fs, path string) (*model.ToolMetadata, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var meta model.ToolMetadata
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &meta)
	default:
		err = json.Unmarshal(data, &meta)
	}
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &meta, nil
}

func isDescriptor(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
