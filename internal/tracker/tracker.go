package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Phase is the timing of one rollout phase.
type Phase struct {
	Name      string
	Start     time.Time
	End       time.Time
	HeapStart uint64
	HeapEnd   uint64
}

// Duration is zero while the phase is still open.
func (p Phase) Duration() time.Duration {
	if p.End.IsZero() {
		return 0
	}
	return p.End.Sub(p.Start)
}

// Tracker times the whole rollout and each of its phases.
type Tracker struct {
	clock clock.PassiveClock
	heap  func() uint64

	mu     sync.Mutex
	start  time.Time
	end    time.Time
	order  []string
	phases map[string]*Phase
}

func New(clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{clock: clk, heap: heapInUse, phases: map[string]*Phase{}}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// Begin marks the start of the rollout.
func (t *Tracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = t.clock.Now()
}

// Finish marks the end of the rollout and returns the total duration.
func (t *Tracker) Finish() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.end = t.clock.Now()
	return t.end.Sub(t.start)
}

// StartPhase opens name. Restarting a phase resets its timing.
func (t *Tracker) StartPhase(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.phases[name]; !ok {
		t.order = append(t.order, name)
	}
	t.phases[name] = &Phase{Name: name, Start: t.clock.Now(), HeapStart: t.heap()}
}

// EndPhase closes name and returns its duration. A phase that was never
// started is recorded as zero-length.
func (t *Tracker) EndPhase(name string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.phases[name]
	if !ok {
		now := t.clock.Now()
		p = &Phase{Name: name, Start: now, HeapStart: t.heap()}
		t.phases[name] = p
		t.order = append(t.order, name)
	}
	p.End = t.clock.Now()
	p.HeapEnd = t.heap()
	return p.Duration()
}

// Phases returns the phases in the order they were first started.
func (t *Tracker) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Phase, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.phases[name])
	}
	return out
}

// Total is the rollout duration so far.
func (t *Tracker) Total() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.end
	if end.IsZero() {
		end = t.clock.Now()
	}
	return end.Sub(t.start)
}

// Summary renders the timings as plain lines.
func (t *Tracker) Summary() []string {
	var lines []string
	for _, p := range t.Phases() {
		lines = append(lines, fmt.Sprintf("%-28s %s (%dms)  heap %s → %s",
			p.Name, FormatClock(p.Duration()), p.Duration().Milliseconds(),
			formatMiB(p.HeapStart), formatMiB(p.HeapEnd)))
	}
	total := t.Total()
	lines = append(lines, fmt.Sprintf("%-28s %s (%dms)", "total", FormatClock(total), total.Milliseconds()))
	return lines
}

// WriteLog writes the summary to dir/deployment-<timestamp>.log and returns
// the file path.
func (t *Tracker) WriteLog(dir string, header ...string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}
	name := "deployment-" + t.clock.Now().UTC().Format("2006-01-02_15-04-05") + ".log"
	path := filepath.Join(dir, name)

	var b strings.Builder
	b.WriteString("===== deployment timings =====\n\n")
	for _, h := range header {
		b.WriteString(h + "\n")
	}
	if len(header) > 0 {
		b.WriteString("\n")
	}
	for _, l := range t.Summary() {
		b.WriteString(l + "\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write deployment log: %w", err)
	}
	return path, nil
}

// FormatClock renders d as HH:MM:SS.
func FormatClock(d time.Duration) string {
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

func formatMiB(b uint64) string {
	return fmt.Sprintf("%.2f MiB", float64(b)/(1<<20))
}
