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

// Package schema generates JSON schemas from Go types by reflection.
// Tool adapters use it to describe typed function parameters to models.
package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"trpc.group/trpc-go/trpc-quantflow/log"
)

// Generate builds a JSON schema for t as a plain map. Struct fields honor
// `json` tags for naming and `jsonschema` tags for description, enum and
// required overrides. Recursive types are emitted once under $defs and
// referenced from their use sites.
func Generate(t reflect.Type) map[string]any {
	g := &generator{
		visited: make(map[reflect.Type]string),
		defs:    make(map[string]any),
	}
	root := g.typeSchema(t, true)
	if len(g.defs) > 0 {
		root["$defs"] = g.defs
	}
	return root
}

type generator struct {
	visited map[reflect.Type]string
	defs    map[string]any
}

func (g *generator) typeSchema(t reflect.Type, isRoot bool) map[string]any {
	switch t.Kind() {
	case reflect.Pointer:
		return g.typeSchema(t.Elem(), isRoot)
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Slice, reflect.Array:
		return map[string]any{
			"type":  "array",
			"items": g.typeSchema(t.Elem(), false),
		}
	case reflect.Map:
		return map[string]any{
			"type":                 "object",
			"additionalProperties": g.typeSchema(t.Elem(), false),
		}
	case reflect.Struct:
		return g.structSchema(t, isRoot)
	default:
		return map[string]any{"type": "object"}
	}
}

func (g *generator) structSchema(t reflect.Type, isRoot bool) map[string]any {
	if name, seen := g.visited[t]; seen {
		return map[string]any{"$ref": "#/$defs/" + name}
	}

	recursive := referencesSelf(t, t, make(map[reflect.Type]bool))
	if recursive {
		g.visited[t] = defName(t)
	}

	properties := make(map[string]any)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := jsonName(field)
		if skip {
			continue
		}

		fieldSchema := g.typeSchema(field.Type, false)
		requiredByTag := false
		if _, isRef := fieldSchema["$ref"]; !isRef {
			var err error
			requiredByTag, err = applySchemaTag(field.Type, field.Tag, fieldSchema)
			if err != nil {
				log.Errorf("schema tag on field %s: %v", name, err)
			}
		}
		if (field.Type.Kind() != reflect.Pointer && !omitEmpty) || requiredByTag {
			required = append(required, name)
		}
		properties[name] = fieldSchema
	}

	out := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		out["required"] = required
	}

	if recursive {
		g.defs[g.visited[t]] = out
		if !isRoot {
			return map[string]any{"$ref": "#/$defs/" + g.visited[t]}
		}
	}
	return out
}

// referencesSelf reports whether target appears anywhere in the field
// graph of cur, through pointers, slices, arrays and nested structs.
func referencesSelf(target, cur reflect.Type, seen map[reflect.Type]bool) bool {
	if seen[cur] {
		return false
	}
	seen[cur] = true

	if cur.Kind() != reflect.Struct {
		return false
	}
	for i := 0; i < cur.NumField(); i++ {
		field := cur.Field(i)
		if !field.IsExported() {
			continue
		}
		ft := field.Type
		for ft.Kind() == reflect.Pointer || ft.Kind() == reflect.Slice || ft.Kind() == reflect.Array {
			ft = ft.Elem()
		}
		if ft == target {
			return true
		}
		if ft.Kind() == reflect.Struct && referencesSelf(target, ft, seen) {
			return true
		}
	}
	return false
}

func defName(t reflect.Type) string {
	if t.Name() != "" {
		return strings.ToLower(t.Name())
	}
	return "anonymous"
}

func jsonName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	name = field.Name
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	if tag == "" {
		return name, false, false
	}
	if idx := strings.Index(tag, ","); idx != -1 {
		if tag[:idx] != "" {
			name = tag[:idx]
		}
		omitEmpty = strings.Contains(tag[idx:], "omitempty")
		return name, omitEmpty, false
	}
	return tag, false, false
}

// applySchemaTag folds `jsonschema:"description=...,enum=...,required"`
// settings into the field schema. Enum literals are converted to the
// field's kind so string, numeric and bool enums all serialize natively.
func applySchemaTag(fieldType reflect.Type, tag reflect.StructTag, schema map[string]any) (bool, error) {
	raw := tag.Get("jsonschema")
	if raw == "" {
		return false, nil
	}

	requiredByTag := false
	for _, item := range strings.Split(raw, ",") {
		key, value, hasValue := strings.Cut(item, "=")
		if !hasValue {
			if key == "required" {
				requiredByTag = true
			}
			continue
		}
		switch key {
		case "description":
			schema["description"] = value
		case "enum":
			converted, err := enumValue(fieldType, value)
			if err != nil {
				return requiredByTag, err
			}
			existing, _ := schema["enum"].([]any)
			schema["enum"] = append(existing, converted)
		}
	}
	return requiredByTag, nil
}

func enumValue(fieldType reflect.Type, value string) (any, error) {
	switch fieldType.Kind() {
	case reflect.String:
		return value, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse enum value %q as int: %w", value, err)
		}
		return v, nil
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("parse enum value %q as float: %w", value, err)
		}
		return v, nil
	case reflect.Bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("parse enum value %q as bool: %w", value, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("enum tag unsupported for field type %v", fieldType)
	}
}
