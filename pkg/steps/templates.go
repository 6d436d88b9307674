package steps

import (
	"context"
	"sort"
	"sync"

	"github.com/ferrohq/ferro/pkg/types"
)

// TemplateSource yields the deploy templates that apply to a node. A
// template applies when its name is present in the node's effective
// trait set (node traits plus the instance overlay).
type TemplateSource interface {
	TemplatesFor(ctx context.Context, node *types.Node) ([]types.DeployTemplate, error)
}

// MemTemplates is an in-memory TemplateSource keyed by template name.
type MemTemplates struct {
	mu        sync.RWMutex
	templates map[string]types.DeployTemplate
}

// NewMemTemplates creates an empty in-memory template source.
func NewMemTemplates() *MemTemplates {
	return &MemTemplates{templates: make(map[string]types.DeployTemplate)}
}

// Put adds or replaces a template.
func (m *MemTemplates) Put(tmpl types.DeployTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.Name] = tmpl
}

// Delete removes a template by name.
func (m *MemTemplates) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.templates, name)
}

// TemplatesFor returns the templates matching the node's traits, in
// stable name order.
func (m *MemTemplates) TemplatesFor(_ context.Context, node *types.Node) ([]types.DeployTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name := range m.templates {
		if node.HasTrait(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]types.DeployTemplate, 0, len(names))
	for _, name := range names {
		out = append(out, m.templates[name])
	}
	return out, nil
}
