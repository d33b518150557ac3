package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/michaelbrown/anvil/internal/rpc"
)

// Fallback is the fixed in-process tool set used when an agent has no
// bound tool servers. It answers electricity bill conversions from a
// locally preloaded tariff table; no subprocess is involved.
type Fallback struct {
	table *billTable
}

// NewFallback loads the bill table from path. A missing or unreadable
// table is not fatal: the tools stay available and answer with a
// structured out-of-scope result.
func NewFallback(path string) *Fallback {
	table, err := loadBillTable(path)
	if err != nil {
		log.Printf("fallback: bill table unavailable (%v); tools will answer out of scope", err)
	}
	return &Fallback{table: table}
}

// Descriptors returns the fallback tool set, tagged with the fallback
// owner.
func (f *Fallback) Descriptors() []Descriptor {
	owner := Owner{Kind: OwnerFallback}
	return []Descriptor{
		{
			Name:        "tnb_bill_rm_to_kwh",
			Description: "Convert a bill amount in RM to the nearest kWh usage from the tariff table",
			ParameterSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"rm": map[string]any{"type": "number", "description": "Bill amount in RM"},
				},
				"required": []any{"rm"},
			},
			Owner: owner,
		},
		{
			Name:        "tnb_bill_kwh_to_rm",
			Description: "Convert a kWh usage to the nearest bill amount in RM from the tariff table",
			ParameterSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kwh": map[string]any{"type": "number", "description": "Usage in kWh"},
				},
				"required": []any{"kwh"},
			},
			Owner: owner,
		},
	}
}

// Call invokes a fallback tool in-process. Out-of-range and
// missing-table conditions produce a structured out-of-scope text block,
// not an error; the only errors are unknown tools and missing arguments.
func (f *Fallback) Call(ctx context.Context, name string, args map[string]any) ([]rpc.ContentBlock, error) {
	switch name {
	case "tnb_bill_rm_to_kwh":
		rm, ok := numberArg(args, "rm")
		if !ok {
			return nil, fmt.Errorf("argument 'rm' must be a number")
		}
		if f.table == nil {
			return []rpc.ContentBlock{rpc.TextBlock(outOfScopeNoTable)}, nil
		}
		rec := f.table.nearestByBill(rm)
		if rec == nil {
			return []rpc.ContentBlock{rpc.TextBlock(f.table.outOfScope())}, nil
		}
		text := fmt.Sprintf("RM %.2f maps to %g kWh (nearest bill entry RM %.2f)", rm, rec.KWH, rec.Bill)
		return []rpc.ContentBlock{rpc.TextBlock(text)}, nil

	case "tnb_bill_kwh_to_rm":
		kwh, ok := numberArg(args, "kwh")
		if !ok {
			return nil, fmt.Errorf("argument 'kwh' must be a number")
		}
		if f.table == nil {
			return []rpc.ContentBlock{rpc.TextBlock(outOfScopeNoTable)}, nil
		}
		rec := f.table.nearestByKWH(kwh)
		if rec == nil {
			return []rpc.ContentBlock{rpc.TextBlock(f.table.outOfScope())}, nil
		}
		text := fmt.Sprintf("%g kWh maps to RM %.2f (nearest to requested %g kWh)", rec.KWH, rec.Bill, kwh)
		return []rpc.ContentBlock{rpc.TextBlock(text)}, nil

	default:
		return nil, fmt.Errorf("unknown fallback tool: %s", name)
	}
}

const outOfScopeNoTable = "out_of_scope: tariff table is not available"

// billRecord is one tariff table row.
type billRecord struct {
	KWH  float64 `json:"kwh"`
	Bill float64 `json:"bill"`
}

type billTable struct {
	records                          []billRecord // sorted by kwh
	minKWH, maxKWH, minBill, maxBill float64
}

func loadBillTable(path string) (*billTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bill table: %w", err)
	}

	var records []billRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing bill table: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("bill table %s is empty", path)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].KWH < records[j].KWH })
	t := &billTable{
		records: records,
		minKWH:  records[0].KWH,
		maxKWH:  records[len(records)-1].KWH,
		minBill: math.Inf(1),
		maxBill: math.Inf(-1),
	}
	for _, r := range records {
		t.minBill = math.Min(t.minBill, r.Bill)
		t.maxBill = math.Max(t.maxBill, r.Bill)
	}
	return t, nil
}

func (t *billTable) nearestByBill(rm float64) *billRecord {
	if rm < t.minBill || rm > t.maxBill {
		return nil
	}
	return t.nearest(func(r billRecord) float64 { return math.Abs(r.Bill - rm) })
}

func (t *billTable) nearestByKWH(kwh float64) *billRecord {
	if kwh < t.minKWH || kwh > t.maxKWH {
		return nil
	}
	return t.nearest(func(r billRecord) float64 { return math.Abs(r.KWH - kwh) })
}

func (t *billTable) nearest(distance func(billRecord) float64) *billRecord {
	best := 0
	for i := range t.records {
		if distance(t.records[i]) < distance(t.records[best]) {
			best = i
		}
	}
	return &t.records[best]
}

func (t *billTable) outOfScope() string {
	return fmt.Sprintf("out_of_scope: value outside tariff table range (kWh %g-%g, RM %.2f-%.2f)",
		t.minKWH, t.maxKWH, t.minBill, t.maxBill)
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch n := args[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
