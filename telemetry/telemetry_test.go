package telemetry

import (
	"strings"
	"testing"

	"github.com/v3vee-go/vmmcore/exitdispatch"
)

func TestRecordExitTallies(t *testing.T) {
	r := NewRecorder(0, 0, 0)
	r.RecordExit(exitdispatch.KindCPUID, 100)
	r.RecordExit(exitdispatch.KindCPUID, 200)
	r.RecordExit(exitdispatch.KindHLT, 300)

	if got := r.Count(exitdispatch.KindCPUID); got != 2 {
		t.Fatalf("expected 2 cpuid exits, got %d", got)
	}
	if got := r.Count(exitdispatch.KindHLT); got != 1 {
		t.Fatalf("expected 1 hlt exit, got %d", got)
	}
	if got := r.TotalExits(); got != 3 {
		t.Fatalf("expected 3 total exits, got %d", got)
	}
}

func TestShouldPrintGatedByGranularity(t *testing.T) {
	r := NewRecorder(0, 1000, 500)
	if r.ShouldPrint(1200) {
		t.Fatal("expected no print before granularity elapsed")
	}
	if !r.ShouldPrint(1600) {
		t.Fatal("expected print once granularity elapsed")
	}
	if r.ShouldPrint(1700) {
		t.Fatal("expected watermark advanced after the print")
	}
}

func TestShouldPrintZeroGranularityAlwaysPrints(t *testing.T) {
	r := NewRecorder(0, 0, 0)
	if !r.ShouldPrint(1) || !r.ShouldPrint(2) {
		t.Fatal("expected every call to print when granularity is 0")
	}
}

func TestDumpIncludesCountsAndCallbacks(t *testing.T) {
	r := NewRecorder(3, 0, 0)
	r.RecordExit(exitdispatch.KindIO, 10)
	r.AddCallback(func() string { return "## extra\nhello" })

	dump := r.Dump()
	if !strings.Contains(dump, "core 3") {
		t.Fatalf("expected core id in dump, got %q", dump)
	}
	if !strings.Contains(dump, "io") || !strings.Contains(dump, "| 1 |") {
		t.Fatalf("expected io exit count row, got %q", dump)
	}
	if !strings.Contains(dump, "extra") {
		t.Fatalf("expected callback section, got %q", dump)
	}
}

func TestRenderHTMLProducesTable(t *testing.T) {
	r := NewRecorder(0, 0, 0)
	r.RecordExit(exitdispatch.KindRDTSC, 1)
	html, err := RenderHTML(r.Dump())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(html, "<table>") {
		t.Fatalf("expected rendered markdown table, got %q", html)
	}
}

func TestHypercallHandlerInvokesSink(t *testing.T) {
	r := NewRecorder(0, 0, 0)
	r.RecordExit(exitdispatch.KindHypercall, 5)

	var got string
	handler := r.HypercallHandler(func(s string) { got = s })
	if rc := handler(0x3001, nil); rc != 0 {
		t.Fatalf("expected success return code 0, got %d", rc)
	}
	if !strings.Contains(got, "hypercall") {
		t.Fatalf("expected dump delivered to sink, got %q", got)
	}
}
