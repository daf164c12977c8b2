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

package event

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Recorder is implemented by tabular values that export themselves as a
// sequence of records, one map per row.
type Recorder interface {
	Records() []map[string]any
}

// Dicter is implemented by domain objects that export a flat map form.
type Dicter interface {
	ToDict() map[string]any
}

// Sanitize converts an arbitrary node output into a JSON-safe value.
// Scalars become their string representation, nil becomes "None",
// timestamps are formatted as RFC3339 and containers are walked
// recursively. Values that know how to export themselves (Recorder,
// Dicter, fmt.Stringer) are asked to do so.
func Sanitize(v any) any {
	if v == nil {
		return "None"
	}

	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339)
	case Recorder:
		records := t.Records()
		out := make([]any, 0, len(records))
		for _, rec := range records {
			out = append(out, Sanitize(rec))
		}
		return out
	case Dicter:
		return Sanitize(t.ToDict())
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "None"
		}
		return Sanitize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, Sanitize(rv.Index(i).Interface()))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = Sanitize(iter.Value().Interface())
		}
		return out
	}

	return fmt.Sprintf("%v", v)
}

// mapKey renders a map key as a JSON object key.
func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if s, ok := k.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", k.Interface())
}
