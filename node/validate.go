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

	"trpc.group/trpc-go/trpc-quantflow/market"
)

// ValidateInputs checks bound inputs against a definition's declared
// schema: required presence, dynamic type compatibility and the
// asset-class restriction. It returns one detail string per violation;
// nil means the inputs are valid.
func ValidateInputs(def *Definition, types *Types, in Inputs) []string {
	var details []string

	for _, spec := range def.Inputs {
		v, bound := in[spec.Name]
		if !bound {
			if !spec.Optional {
				details = append(details, fmt.Sprintf("required input %q missing", spec.Name))
			}
			continue
		}

		if spec.Multi {
			items, ok := v.([]any)
			if !ok {
				details = append(details, fmt.Sprintf("multi input %q must be a sequence, got %T", spec.Name, v))
				continue
			}
			for i, item := range items {
				details = appendValueDetails(details, types, def, spec, item, fmt.Sprintf("%s[%d]", spec.Name, i))
			}
			continue
		}

		details = appendValueDetails(details, types, def, spec, v, spec.Name)
	}

	return details
}

func appendValueDetails(details []string, types *Types, def *Definition, spec InputSpec, v any, label string) []string {
	if types != nil {
		if err := types.CheckValue(spec.Type, v); err != nil {
			return append(details, fmt.Sprintf("input %q: %v", label, err))
		}
	}
	if spec.Type == TypeAssetSymbol && def.RequiredAssetClass != market.AssetUnknown {
		if sym, ok := symbolValue(v); ok && sym.Class != market.AssetUnknown && sym.Class != def.RequiredAssetClass {
			return append(details, fmt.Sprintf(
				"input %q: symbol %s is %s, node requires %s",
				label, sym.Ticker, sym.Class, def.RequiredAssetClass))
		}
	}
	return details
}

func symbolValue(v any) (market.Symbol, bool) {
	switch s := v.(type) {
	case market.Symbol:
		return s, true
	case *market.Symbol:
		if s != nil {
			return *s, true
		}
	}
	return market.Symbol{}, false
}
