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
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-quantflow/artifact"
	"trpc.group/trpc-go/trpc-quantflow/market"
	"trpc.group/trpc-go/trpc-quantflow/tool"
)

// Deps carries the shared services built-in nodes bind to. A nil Source
// skips the market-data nodes; a nil Store skips the report node; a nil
// Tools falls back to the default registry.
type Deps struct {
	Source market.Source
	Store  artifact.Store
	Tools  *tool.Registry
}

// RegisterBuiltins installs the standard node catalog.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	tools := deps.Tools
	if tools == nil {
		tools = tool.Default
	}

	defs := []*Definition{
		constTextDef(),
		appendSuffixDef(),
		mergeTextDef(),
		assetSymbolDef(),
		toolSchemaDef(tools),
	}
	if deps.Source != nil {
		defs = append(defs, candlesDef(deps.Source), candleStreamDef(deps.Source))
	}
	defs = append(defs, smaDef())
	if deps.Store != nil {
		defs = append(defs, reportPDFDef(deps.Store))
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// const_text emits a configured text value.

type constText struct {
	*Base
}

func constTextDef() *Definition {
	def := &Definition{
		Type:          "const_text",
		Title:         "Constant Text",
		Outputs:       []OutputSpec{{Name: "text", Type: TypeText}},
		DefaultParams: map[string]any{"value": ""},
		ParamsMeta:    []ParamMeta{{Name: "value", Kind: ParamText}},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &constText{Base: NewBase(id, def, params)}, nil
	}
	return def
}

func (n *constText) Execute(ctx context.Context, in Inputs) (Result, error) {
	return Result{"text": StringParam(n.Params(), "value", "")}, nil
}

// append_suffix appends a configured suffix to its input text.

type appendSuffix struct {
	*Base
}

func appendSuffixDef() *Definition {
	def := &Definition{
		Type:          "append_suffix",
		Title:         "Append Suffix",
		Inputs:        []InputSpec{{Name: "text", Type: TypeText}},
		Outputs:       []OutputSpec{{Name: "text", Type: TypeText}},
		DefaultParams: map[string]any{"suffix": "_suffix"},
		ParamsMeta:    []ParamMeta{{Name: "suffix", Kind: ParamText}},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &appendSuffix{Base: NewBase(id, def, params)}, nil
	}
	return def
}

func (n *appendSuffix) Execute(ctx context.Context, in Inputs) (Result, error) {
	text, ok := in["text"].(string)
	if !ok {
		return nil, fmt.Errorf("input text must be a string, got %T", in["text"])
	}
	return Result{"text": text + StringParam(n.Params(), "suffix", "")}, nil
}

// merge_text joins a multi-input of texts with a separator.

type mergeText struct {
	*Base
}

func mergeTextDef() *Definition {
	def := &Definition{
		Type:          "merge_text",
		Title:         "Merge Text",
		Inputs:        []InputSpec{{Name: "texts", Type: TypeText, Optional: true, Multi: true}},
		Outputs:       []OutputSpec{{Name: "text", Type: TypeText}},
		DefaultParams: map[string]any{"separator": " "},
		ParamsMeta:    []ParamMeta{{Name: "separator", Kind: ParamText}},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &mergeText{Base: NewBase(id, def, params)}, nil
	}
	return def
}

func (n *mergeText) Execute(ctx context.Context, in Inputs) (Result, error) {
	items, _ := in["texts"].([]any)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("input texts must be strings, got %T", item)
		}
		parts = append(parts, s)
	}
	sep := StringParam(n.Params(), "separator", " ")
	return Result{"text": strings.Join(parts, sep)}, nil
}

// asset_symbol emits a market symbol built from its params.

type assetSymbol struct {
	*Base
}

func assetSymbolDef() *Definition {
	def := &Definition{
		Type:    "asset_symbol",
		Title:   "Asset Symbol",
		Outputs: []OutputSpec{{Name: "symbol", Type: TypeAssetSymbol}},
		DefaultParams: map[string]any{
			"ticker": "BTCUSDT",
			"class":  market.AssetCrypto.String(),
		},
		ParamsMeta: []ParamMeta{
			{Name: "ticker", Kind: ParamText},
			{Name: "class", Kind: ParamSelect, Options: []string{
				market.AssetCrypto.String(),
				market.AssetEquity.String(),
				market.AssetForex.String(),
			}},
		},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &assetSymbol{Base: NewBase(id, def, params)}, nil
	}
	return def
}

func (n *assetSymbol) Execute(ctx context.Context, in Inputs) (Result, error) {
	ticker := strings.ToUpper(strings.TrimSpace(StringParam(n.Params(), "ticker", "")))
	if ticker == "" {
		return nil, fmt.Errorf("ticker must not be empty")
	}
	class := market.ParseAssetClass(StringParam(n.Params(), "class", ""))
	return Result{"symbol": market.Symbol{Ticker: ticker, Class: class}}, nil
}

// tool_schema emits a registered tool's schema by name.

type toolSchema struct {
	*Base
	tools *tool.Registry
}

func toolSchemaDef(tools *tool.Registry) *Definition {
	def := &Definition{
		Type:          "tool_schema",
		Title:         "Tool Schema",
		Outputs:       []OutputSpec{{Name: "schema", Type: TypeLLMToolSchema}},
		DefaultParams: map[string]any{"name": tool.WebSearchName},
		ParamsMeta:    []ParamMeta{{Name: "name", Kind: ParamSelect, Options: tools.Names()}},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &toolSchema{Base: NewBase(id, def, params), tools: tools}, nil
	}
	return def
}

func (n *toolSchema) Execute(ctx context.Context, in Inputs) (Result, error) {
	name := StringParam(n.Params(), "name", "")
	schema := n.tools.Schema(name)
	if schema == nil {
		return nil, fmt.Errorf("tool %q has no registered schema", name)
	}
	return Result{"schema": schema}, nil
}

// candles fetches a window of historical candles for a symbol.

type candles struct {
	*Base
	source market.Source
}

func candlesDef(source market.Source) *Definition {
	def := &Definition{
		Type:    "candles",
		Title:   "Candles",
		Inputs:  []InputSpec{{Name: "symbol", Type: TypeAssetSymbol}},
		Outputs: []OutputSpec{{Name: "frame", Type: TypeOHLCV}},
		DefaultParams: map[string]any{
			"interval": string(market.Interval1h),
			"limit":    100,
		},
		ParamsMeta: []ParamMeta{
			{Name: "interval", Kind: ParamSelect, Options: market.Intervals()},
			{Name: "limit", Kind: ParamNumber, Min: 1, Max: 5000},
		},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &candles{Base: NewBase(id, def, params), source: source}, nil
	}
	return def
}

func (n *candles) Execute(ctx context.Context, in Inputs) (Result, error) {
	sym, ok := symbolValue(in["symbol"])
	if !ok {
		return nil, fmt.Errorf("input symbol must be a market symbol, got %T", in["symbol"])
	}
	iv, err := market.ParseInterval(StringParam(n.Params(), "interval", string(market.Interval1h)))
	if err != nil {
		return nil, err
	}
	limit := IntParam(n.Params(), "limit", 100)

	n.ReportProgress(0, fmt.Sprintf("Fetching %d %s candles for %s", limit, iv, sym.Ticker))
	frame, err := n.source.Candles(ctx, sym, iv, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", sym.Ticker, err)
	}
	n.ReportProgress(100, "Candles ready")
	return Result{"frame": frame}, nil
}

// candle_stream streams live candles, emitting a rolling frame per tick.

type candleStream struct {
	*Base
	source market.Source
}

func candleStreamDef(source market.Source) *Definition {
	def := &Definition{
		Type:    "candle_stream",
		Title:   "Candle Stream",
		Inputs:  []InputSpec{{Name: "symbol", Type: TypeAssetSymbol}},
		Outputs: []OutputSpec{{Name: "frame", Type: TypeOHLCV}},
		DefaultParams: map[string]any{
			"interval": string(market.Interval5m),
			"window":   50,
			"count":    0,
		},
		ParamsMeta: []ParamMeta{
			{Name: "interval", Kind: ParamSelect, Options: market.Intervals()},
			{Name: "window", Kind: ParamNumber, Min: 1, Max: 1000},
			{Name: "count", Label: "Candle Count (0 = endless)", Kind: ParamNumber, Min: 0, Max: 100000},
		},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &candleStream{Base: NewBase(id, def, params), source: source}, nil
	}
	return def
}

func (n *candleStream) Start(ctx context.Context, in Inputs) (<-chan Partial, error) {
	sym, ok := symbolValue(in["symbol"])
	if !ok {
		return nil, fmt.Errorf("input symbol must be a market symbol, got %T", in["symbol"])
	}
	iv, err := market.ParseInterval(StringParam(n.Params(), "interval", string(market.Interval5m)))
	if err != nil {
		return nil, err
	}
	window := IntParam(n.Params(), "window", 50)
	if window < 1 {
		window = 1
	}
	count := IntParam(n.Params(), "count", 0)

	candleCh, err := n.source.Stream(ctx, sym, iv)
	if err != nil {
		return nil, fmt.Errorf("open candle stream for %s: %w", sym.Ticker, err)
	}

	out := make(chan Partial)
	go func() {
		defer close(out)
		var rolling []market.Candle
		emitted := 0
		for {
			select {
			case <-ctx.Done():
				return
			case c, open := <-candleCh:
				if !open {
					return
				}
				if n.Stopped() {
					return
				}
				rolling = append(rolling, c)
				if len(rolling) > window {
					rolling = rolling[len(rolling)-window:]
				}
				emitted++
				done := count > 0 && emitted >= count
				partial := Partial{
					Outputs: Result{"frame": market.FromCandles(rolling)},
					Done:    done,
				}
				select {
				case out <- partial:
				case <-ctx.Done():
					return
				}
				if done {
					return
				}
			}
		}
	}()
	return out, nil
}

// sma computes a simple moving average over one frame column.

type sma struct {
	*Base
	pool *Pool
}

func smaDef() *Definition {
	def := &Definition{
		Type:    "sma",
		Title:   "Simple Moving Average",
		Inputs:  []InputSpec{{Name: "frame", Type: TypeOHLCV}},
		Outputs: []OutputSpec{{Name: "frame", Type: TypeOHLCV}},
		DefaultParams: map[string]any{
			"column": "close",
			"period": 14,
		},
		ParamsMeta: []ParamMeta{
			{Name: "column", Kind: ParamText},
			{Name: "period", Kind: ParamNumber, Min: 1, Max: 500},
		},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &sma{Base: NewBase(id, def, params)}, nil
	}
	return def
}

// SetPool connects the shared compute pool.
func (n *sma) SetPool(p *Pool) { n.pool = p }

func (n *sma) Execute(ctx context.Context, in Inputs) (Result, error) {
	frame, ok := in["frame"].(*market.Frame)
	if !ok {
		return nil, fmt.Errorf("input frame must be an OHLCV frame, got %T", in["frame"])
	}
	column := StringParam(n.Params(), "column", "close")
	period := IntParam(n.Params(), "period", 14)
	if period < 1 {
		return nil, fmt.Errorf("period must be positive, got %d", period)
	}

	values, err := frame.Floats(column)
	if err != nil {
		return nil, err
	}

	averaged := make([]float64, len(values))
	compute := func() {
		var sum float64
		for i, v := range values {
			sum += v
			if i >= period {
				sum -= values[i-period]
			}
			span := i + 1
			if span > period {
				span = period
			}
			averaged[i] = sum / float64(span)
		}
	}

	if n.pool != nil {
		if err := n.pool.Submit(ctx, compute); err != nil {
			return nil, err
		}
	} else {
		compute()
	}
	if n.Stopped() {
		return nil, context.Canceled
	}

	name := fmt.Sprintf("sma_%d", period)
	withSMA, err := frame.WithColumn(name, averaged)
	if err != nil {
		return nil, err
	}
	return Result{"frame": withSMA}, nil
}

// report_pdf renders a frame summary to PDF and saves it as an artifact.

type reportPDF struct {
	*Base
	store artifact.Store
}

const reportMaxRows = 40

func reportPDFDef(store artifact.Store) *Definition {
	def := &Definition{
		Type:  "report_pdf",
		Title: "PDF Report",
		Inputs: []InputSpec{
			{Name: "frame", Type: TypeOHLCV},
			{Name: "title", Type: TypeText, Optional: true},
		},
		Outputs:       []OutputSpec{{Name: "key", Type: TypeText}},
		DefaultParams: map[string]any{"filename": ""},
		ParamsMeta:    []ParamMeta{{Name: "filename", Kind: ParamText}},
	}
	def.New = func(id int, params map[string]any) (Instance, error) {
		return &reportPDF{Base: NewBase(id, def, params), store: store}, nil
	}
	return def
}

func (n *reportPDF) Execute(ctx context.Context, in Inputs) (Result, error) {
	frame, ok := in["frame"].(*market.Frame)
	if !ok {
		return nil, fmt.Errorf("input frame must be an OHLCV frame, got %T", in["frame"])
	}
	title, _ := in["title"].(string)
	if title == "" {
		title = "Market Report"
	}

	n.ReportProgress(0, "Rendering report")
	data, err := renderReport(title, frame)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	key := StringParam(n.Params(), "filename", "")
	if key == "" {
		key = fmt.Sprintf("reports/%s.pdf", uuid.NewString())
	}
	saved, err := n.store.Save(ctx, key, &artifact.Artifact{
		Data:     data,
		MimeType: "application/pdf",
		Name:     title,
	})
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	n.ReportProgress(100, "Report saved")
	return Result{"key": saved}, nil
}

func renderReport(title string, frame *market.Frame) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, title, "", 1, "L", false, 0, "")

	cols := frame.Columns()
	if len(cols) == 0 {
		return nil, fmt.Errorf("frame has no columns")
	}
	colWidth := 270.0 / float64(len(cols))

	pdf.SetFont("Helvetica", "B", 9)
	for _, col := range cols {
		pdf.CellFormat(colWidth, 7, col, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	records := frame.Records()
	rows := len(records)
	if rows > reportMaxRows {
		records = records[rows-reportMaxRows:]
	}
	for _, rec := range records {
		for _, col := range cols {
			pdf.CellFormat(colWidth, 6, fmt.Sprintf("%v", rec[col]), "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
	}
	if rows > reportMaxRows {
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("showing last %d of %d rows", reportMaxRows, rows), "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
