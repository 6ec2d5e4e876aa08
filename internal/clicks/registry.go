package clicks

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// EntitySpec 設定檔中的一個 entity
type EntitySpec struct {
	Name         string
	Aliases      []string
	DefaultLinks []string
}

// Registry 已知 entity 的集合
//
// 建立後唯讀，可安全地被多個 goroutine 共用。
type Registry struct {
	entities []Entity
	byName   map[string]Entity
	defaults map[Entity][]string
}

// NewRegistry 由設定建立 registry
//
// 第一個 entity 為預設值（未指定 entity 的設定讀取使用）。
func NewRegistry(specs []EntitySpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one business entity is required")
	}

	r := &Registry{
		byName:   make(map[string]Entity),
		defaults: make(map[Entity][]string),
	}

	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errors.New("business entity name must not be empty")
		}

		e := Entity(name)
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("duplicate business entity %q", name)
		}
		r.byName[name] = e
		r.entities = append(r.entities, e)
		r.defaults[e] = slices.Clone(spec.DefaultLinks)

		for _, alias := range spec.Aliases {
			alias = strings.TrimSpace(alias)
			if alias == "" {
				continue
			}
			if owner, exists := r.byName[alias]; exists && owner != e {
				return nil, fmt.Errorf("alias %q already maps to %q", alias, owner)
			}
			r.byName[alias] = e
		}
	}

	return r, nil
}

// Resolve 以名稱或別名查找 entity
func (r *Registry) Resolve(name string) (Entity, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Entities 回傳所有 entity（依設定順序）
func (r *Registry) Entities() []Entity {
	return slices.Clone(r.entities)
}

// Default 預設 entity
func (r *Registry) Default() Entity {
	return r.entities[0]
}

// DefaultLinks 內建的預設號碼池（回傳副本）
func (r *Registry) DefaultLinks(e Entity) []string {
	links := slices.Clone(r.defaults[e])
	if links == nil {
		links = []string{}
	}
	return links
}
