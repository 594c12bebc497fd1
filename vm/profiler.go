package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Invocation profiler
// ---------------------------------------------------------------------------

// DefaultHotThreshold is the invocation count at which a method is
// reported hot.
const DefaultHotThreshold = 100

// Profiler counts method invocations and reports each method exactly
// once when it crosses the hot threshold.
type Profiler struct {
	// HotThreshold is the invocation count that makes a method hot.
	HotThreshold uint64

	// OnHot is called once per method, on the invocation that crosses
	// the threshold.
	OnHot func(*CompiledMethod)

	counts   map[*CompiledMethod]uint64
	reported map[*CompiledMethod]bool
}

// NewProfiler creates a profiler with the given threshold.
// A threshold of 0 uses the default.
func NewProfiler(threshold uint64) *Profiler {
	if threshold == 0 {
		threshold = DefaultHotThreshold
	}
	return &Profiler{
		HotThreshold: threshold,
		counts:       make(map[*CompiledMethod]uint64),
		reported:     make(map[*CompiledMethod]bool),
	}
}

// RecordInvocation counts one invocation of m, firing OnHot if this is
// the invocation that crosses the threshold.
func (p *Profiler) RecordInvocation(m *CompiledMethod) {
	p.counts[m]++
	if p.counts[m] >= p.HotThreshold && !p.reported[m] {
		p.reported[m] = true
		if p.OnHot != nil {
			p.OnHot(m)
		}
	}
}

// Count returns the recorded invocation count for m.
func (p *Profiler) Count(m *CompiledMethod) uint64 {
	return p.counts[m]
}

// Reset clears all counts and hot reports.
func (p *Profiler) Reset() {
	p.counts = make(map[*CompiledMethod]uint64)
	p.reported = make(map[*CompiledMethod]bool)
}

// methodCount pairs a method with its count for reporting.
type methodCount struct {
	method *CompiledMethod
	count  uint64
}

// Report returns a human-readable table of counts, hottest first.
func (p *Profiler) Report() string {
	rows := make([]methodCount, 0, len(p.counts))
	for m, c := range p.counts {
		rows = append(rows, methodCount{m, c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].method.Name() < rows[j].method.Name()
	})

	var sb strings.Builder
	for _, row := range rows {
		marker := " "
		if p.reported[row.method] {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %8d  %s\n", marker, row.count, row.method.Name())
	}
	return sb.String()
}
