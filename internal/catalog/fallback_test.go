package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/michaelbrown/anvil/internal/rpc"
)

func writeBillTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bill.json")
	doc := `[
		{"kwh": 100, "bill": 21.80},
		{"kwh": 200, "bill": 43.60},
		{"kwh": 300, "bill": 77.00},
		{"kwh": 500, "bill": 182.40}
	]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing bill table: %v", err)
	}
	return path
}

func callText(t *testing.T, fb *Fallback, name string, args map[string]any) string {
	t.Helper()
	blocks, err := fb.Call(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Call(%s): %v", name, err)
	}
	return rpc.JoinText(blocks)
}

func TestFallbackDescriptors(t *testing.T) {
	fb := NewFallback(writeBillTable(t))

	descs := fb.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	names := map[string]bool{}
	for _, d := range descs {
		names[d.Name] = true
		if d.Owner.Kind != OwnerFallback {
			t.Errorf("%s owner = %+v, want fallback", d.Name, d.Owner)
		}
		if d.ParameterSchema == nil {
			t.Errorf("%s has no parameter schema", d.Name)
		}
	}
	if !names["tnb_bill_rm_to_kwh"] || !names["tnb_bill_kwh_to_rm"] {
		t.Errorf("names = %v, want both conversion tools", names)
	}
}

func TestFallbackRMToKWH(t *testing.T) {
	fb := NewFallback(writeBillTable(t))

	text := callText(t, fb, "tnb_bill_rm_to_kwh", map[string]any{"rm": 44.0})
	if !strings.Contains(text, "200 kWh") {
		t.Errorf("text = %q, want nearest 200 kWh", text)
	}
}

func TestFallbackKWHToRM(t *testing.T) {
	fb := NewFallback(writeBillTable(t))

	text := callText(t, fb, "tnb_bill_kwh_to_rm", map[string]any{"kwh": 310.0})
	if !strings.Contains(text, "RM 77.00") {
		t.Errorf("text = %q, want RM 77.00", text)
	}
}

func TestFallbackOutOfRange(t *testing.T) {
	fb := NewFallback(writeBillTable(t))

	text := callText(t, fb, "tnb_bill_kwh_to_rm", map[string]any{"kwh": 9999.0})
	if !strings.Contains(text, "out_of_scope") {
		t.Errorf("text = %q, want out_of_scope", text)
	}

	text = callText(t, fb, "tnb_bill_rm_to_kwh", map[string]any{"rm": 1.0})
	if !strings.Contains(text, "out_of_scope") {
		t.Errorf("text = %q, want out_of_scope below minimum", text)
	}
}

func TestFallbackMissingTable(t *testing.T) {
	fb := NewFallback("/nonexistent/bill.json")

	text := callText(t, fb, "tnb_bill_rm_to_kwh", map[string]any{"rm": 50.0})
	if !strings.Contains(text, "out_of_scope") {
		t.Errorf("text = %q, want out_of_scope when table is missing", text)
	}
}

func TestFallbackBadArguments(t *testing.T) {
	fb := NewFallback(writeBillTable(t))

	if _, err := fb.Call(context.Background(), "tnb_bill_rm_to_kwh", map[string]any{"rm": "fifty"}); err == nil {
		t.Error("expected error for non-numeric rm")
	}
	if _, err := fb.Call(context.Background(), "tnb_bill_kwh_to_rm", nil); err == nil {
		t.Error("expected error for missing kwh")
	}
}

func TestFallbackUnknownTool(t *testing.T) {
	fb := NewFallback(writeBillTable(t))

	if _, err := fb.Call(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}
