// Package telemetry implements per-core exit accounting and the
// TELEMETRY_HCALL dump (spec §4.6's reserved "request telemetry dump"
// hypercall), grounded on Palacios' vmm_telemetry.h: a per-exit-code
// count (v3_core_telemetry.exit_root), a TSC-granularity gate on
// periodic printing (v3_telemetry_state.granularity/prev_tsc), and an
// extensible callback list (v3_add_telemetry_cb) for additional
// rendered sections.
package telemetry

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/v3vee-go/vmmcore/exitdispatch"
)

// markdownRenderer is shared across RenderHTML calls; goldmark.New is
// safe for concurrent Convert calls once constructed. The GFM extension
// is required for Dump's pipe-table syntax to render as <table>.
var markdownRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Callback renders an additional markdown section into the dump, the Go
// analogue of v3_add_telemetry_cb's (vm, private_data, hdr) function
// pointer.
type Callback func() string

type exitCount struct {
	kind  exitdispatch.Kind
	count uint64
}

func lessExit(a, b *exitCount) bool { return a.kind < b.kind }

// Recorder accumulates per-core exit counts and renders them on demand.
// One Recorder per VCPU core, matching v3_core_telemetry's per-core
// scope; VM-wide aggregation is the caller's responsibility (summing
// each core's Count/TotalExits), matching v3_print_global_telemetry.
type Recorder struct {
	mu          sync.Mutex
	coreID      int
	counts      *btree.BTreeG[*exitCount]
	totalExits  uint64
	startTSC    uint64
	invokeCount uint32
	granularity uint64
	prevTSC     uint64
	callbacks   []Callback
}

// NewRecorder creates a Recorder for the given core, starting its
// telemetry epoch at startTSC. granularity is the TSC-cycle interval at
// which ShouldPrint reports true (0 disables periodic gating: every
// RecordExit call is eligible).
func NewRecorder(coreID int, startTSC, granularity uint64) *Recorder {
	return &Recorder{
		coreID:      coreID,
		counts:      btree.NewG(32, lessExit),
		startTSC:    startTSC,
		prevTSC:     startTSC,
		granularity: granularity,
	}
}

// RecordExit tallies one exit of kind having occurred at tsc, the Go
// analogue of v3_telemetry_end_exit incrementing exit_root's per-code
// counter.
func (r *Recorder) RecordExit(kind exitdispatch.Kind, tsc uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	probe := &exitCount{kind: kind}
	if existing, ok := r.counts.Get(probe); ok {
		existing.count++
	} else {
		r.counts.ReplaceOrInsert(&exitCount{kind: kind, count: 1})
	}
	r.totalExits++
}

// AddCallback registers an extra section renderer, appended to the dump
// after the exit-count table.
func (r *Recorder) AddCallback(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// ShouldPrint reports whether at least granularity TSC cycles have
// elapsed since the last print, advancing the internal watermark if so
// (v3_telemetry_state.granularity/prev_tsc gating periodic dumps rather
// than printing on every single exit).
func (r *Recorder) ShouldPrint(nowTSC uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.granularity == 0 || nowTSC-r.prevTSC >= r.granularity {
		r.prevTSC = nowTSC
		r.invokeCount++
		return true
	}
	return false
}

// Dump renders the current counters as a markdown document: a header
// with core id, total exit count, and invocation count, a table of
// per-exit-kind counts in ascending Kind order, and any registered
// callback sections.
func (r *Recorder) Dump() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "# Telemetry: core %d\n\n", r.coreID)
	fmt.Fprintf(&b, "- total exits: %d\n", r.totalExits)
	fmt.Fprintf(&b, "- dumps so far: %d\n\n", r.invokeCount)

	b.WriteString("| exit kind | count |\n")
	b.WriteString("|---|---|\n")

	var rows []*exitCount
	r.counts.Ascend(func(e *exitCount) bool {
		rows = append(rows, e)
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].kind < rows[j].kind })
	for _, row := range rows {
		fmt.Fprintf(&b, "| %s | %d |\n", row.kind, row.count)
	}

	for _, cb := range r.callbacks {
		b.WriteString("\n")
		b.WriteString(cb())
		b.WriteString("\n")
	}

	return b.String()
}

// RenderHTML converts Dump's markdown into HTML, for hosts that surface
// TELEMETRY_HCALL output in a browser-based console rather than a plain
// terminal.
func RenderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("telemetry: render: %w", err)
	}
	return buf.String(), nil
}

// Count returns the recorded count for kind, for tests.
func (r *Recorder) Count(kind exitdispatch.Kind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.counts.Get(&exitCount{kind: kind}); ok {
		return e.count
	}
	return 0
}

// TotalExits returns the running total across all kinds.
func (r *Recorder) TotalExits() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalExits
}

// HypercallHandler builds an hcall.Handler (spec §4.6's reserved
// hcall.Telemetry id) that hands the Markdown Dump() to sink and always
// returns 0.
func (r *Recorder) HypercallHandler(sink func(string)) func(id uint16, opaque any) int64 {
	return func(id uint16, opaque any) int64 {
		sink(r.Dump())
		return 0
	}
}
