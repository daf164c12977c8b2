//
// Tencent is pleased to support the open source community by making trpc-quantflow available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//

package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrUnknownNodeType is returned when a graph references a node type the
// catalog does not know.
var ErrUnknownNodeType = errors.New("unknown node type")

// ParamMeta describes one parameter to the editor UI.
type ParamMeta struct {
	Name string `json:"name"`
	// Label is the display name; derived from Name when empty.
	Label string `json:"label"`
	// Kind is one of text, number, bool, select.
	Kind    string   `json:"kind"`
	Options []string `json:"options,omitempty"`
	Min     float64  `json:"min,omitempty"`
	Max     float64  `json:"max,omitempty"`
}

// Parameter kinds.
const (
	ParamText   = "text"
	ParamNumber = "number"
	ParamBool   = "bool"
	ParamSelect = "select"
)

var labelTitler = cases.Title(language.English)

// DeriveLabel turns a snake_case parameter name into a display label.
func DeriveLabel(name string) string {
	return labelTitler.String(strings.ReplaceAll(name, "_", " "))
}

// Registry is the node catalog: every node type the engine can
// instantiate, with its UI metadata.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a node definition, replacing any previous definition of
// the same type. Missing parameter labels are derived from the names.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Type == "" {
		return fmt.Errorf("node definition must carry a type")
	}
	if def.New == nil {
		return fmt.Errorf("node definition %q must carry a constructor", def.Type)
	}
	for i := range def.ParamsMeta {
		if def.ParamsMeta[i].Label == "" {
			def.ParamsMeta[i].Label = DeriveLabel(def.ParamsMeta[i].Name)
		}
	}
	r.mu.Lock()
	r.defs[def.Type] = def
	r.mu.Unlock()
	return nil
}

// New instantiates a node of the given type. Descriptor properties
// overlay the definition defaults.
func (r *Registry) New(id int, nodeType string, props map[string]any) (Instance, error) {
	r.mu.RLock()
	def, ok := r.defs[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
	}
	return def.New(id, MergeParams(def.DefaultParams, props))
}

// Definition returns the catalog entry for a type, or nil.
func (r *Registry) Definition(nodeType string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[nodeType]
}

// Definitions returns every catalog entry sorted by type name.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// SetParamOptions replaces the select options of one parameter, used to
// surface discovered values such as local model names.
func (r *Registry) SetParamOptions(nodeType, param string, options []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[nodeType]
	if !ok {
		return
	}
	for i := range def.ParamsMeta {
		if def.ParamsMeta[i].Name == param {
			def.ParamsMeta[i].Options = options
			return
		}
	}
	def.ParamsMeta = append(def.ParamsMeta, ParamMeta{
		Name:    param,
		Label:   DeriveLabel(param),
		Kind:    ParamSelect,
		Options: options,
	})
}
