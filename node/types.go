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
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-quantflow/market"
)

// Built-in semantic type names. Link type tags and slot declarations
// refer to these.
const (
	TypeAssetSymbol    = "AssetSymbol"
	TypeOHLCV          = "OHLCV"
	TypeLLMChatMessage = "LLMChatMessage"
	TypeLLMToolSchema  = "LLMToolSchema"
	TypeAPIKey         = "APIKey"
	TypeNumber         = "Number"
	TypeText           = "Text"
	TypeAny            = "Any"
)

// TypeDef declares one semantic type: an optional dynamic value check
// and the set of other types whose values it accepts.
type TypeDef struct {
	Name string
	// Check validates a runtime value. Nil skips dynamic checking.
	Check func(v any) error
	// AssignableFrom lists source types accepted in addition to Name.
	AssignableFrom []string
}

// Types is the semantic type registry consulted during link validation
// and input validation.
type Types struct {
	mu   sync.RWMutex
	defs map[string]TypeDef
}

// NewTypes creates a registry seeded with the built-in types.
func NewTypes() *Types {
	t := &Types{defs: make(map[string]TypeDef)}
	for _, def := range builtinTypes() {
		t.defs[def.Name] = def
	}
	return t
}

// RegisterType adds or replaces a semantic type.
func (t *Types) RegisterType(def TypeDef) error {
	if def.Name == "" {
		return fmt.Errorf("type name must not be empty")
	}
	t.mu.Lock()
	t.defs[def.Name] = def
	t.mu.Unlock()
	return nil
}

// Compatible reports whether a value of type src may flow into a slot of
// type dst. Identical names match, the wildcard matches in both
// directions and dst may declare additional assignable sources.
func (t *Types) Compatible(src, dst string) bool {
	if src == dst || src == TypeAny || dst == TypeAny {
		return true
	}
	t.mu.RLock()
	def, ok := t.defs[dst]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	for _, from := range def.AssignableFrom {
		if from == src {
			return true
		}
	}
	return false
}

// CheckValue runs the dynamic check of the named type against v. Types
// without a check, and unknown types, accept every value. A value that
// fails the named check still passes when it satisfies one of the
// assignable source types.
func (t *Types) CheckValue(name string, v any) error {
	t.mu.RLock()
	def, ok := t.defs[name]
	t.mu.RUnlock()
	if !ok || def.Check == nil {
		return nil
	}
	err := def.Check(v)
	if err == nil {
		return nil
	}
	for _, from := range def.AssignableFrom {
		t.mu.RLock()
		src, known := t.defs[from]
		t.mu.RUnlock()
		if known && (src.Check == nil || src.Check(v) == nil) {
			return nil
		}
	}
	return err
}

func builtinTypes() []TypeDef {
	return []TypeDef{
		{
			Name: TypeAssetSymbol,
			Check: func(v any) error {
				switch v.(type) {
				case market.Symbol, *market.Symbol:
					return nil
				}
				return fmt.Errorf("expected a market symbol, got %T", v)
			},
		},
		{
			Name: TypeOHLCV,
			Check: func(v any) error {
				if _, ok := v.(*market.Frame); ok {
					return nil
				}
				return fmt.Errorf("expected an OHLCV frame, got %T", v)
			},
		},
		{
			Name: TypeLLMChatMessage,
			Check: func(v any) error {
				switch m := v.(type) {
				case map[string]any, string:
					return nil
				case []any:
					for _, item := range m {
						if _, ok := item.(map[string]any); !ok {
							return fmt.Errorf("expected chat message mappings, got %T", item)
						}
					}
					return nil
				}
				return fmt.Errorf("expected a chat message mapping or sequence, got %T", v)
			},
		},
		{
			Name: TypeLLMToolSchema,
			Check: func(v any) error {
				if m, ok := v.(map[string]any); ok && len(m) > 0 {
					return nil
				}
				return fmt.Errorf("expected a tool schema mapping, got %T", v)
			},
		},
		{
			Name: TypeAPIKey,
			Check: func(v any) error {
				if _, ok := v.(string); ok {
					return nil
				}
				return fmt.Errorf("expected a credential string, got %T", v)
			},
		},
		{
			Name: TypeNumber,
			Check: func(v any) error {
				switch v.(type) {
				case int, int8, int16, int32, int64,
					uint, uint8, uint16, uint32, uint64,
					float32, float64:
					return nil
				}
				return fmt.Errorf("expected a number, got %T", v)
			},
		},
		{
			Name: TypeText,
			Check: func(v any) error {
				if _, ok := v.(string); ok {
					return nil
				}
				return fmt.Errorf("expected text, got %T", v)
			},
			AssignableFrom: []string{TypeNumber, TypeAPIKey},
		},
		{Name: TypeAny},
	}
}
