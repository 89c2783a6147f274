package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"titleforge/shared/logging"
)

// StageResult is the last recorded outcome of one pipeline stage.
type StageResult struct {
	Stage    string
	Success  bool
	Summary  string
	Err      string
	Partial  []string
	Duration time.Duration
	At       time.Time
}

// Monitor keeps the latest result per stage. It is safe for concurrent use
// because the health server reads it while runs are recorded.
type Monitor struct {
	mu             sync.RWMutex
	log            *logging.Logger
	results        map[string]*StageResult
	lastRunSuccess bool
	lastRunTime    time.Time
}

func NewMonitor(log *logging.Logger) *Monitor {
	return &Monitor{
		log:     logging.OrDefault(log),
		results: make(map[string]*StageResult),
	}
}

func (m *Monitor) result(stage string) *StageResult {
	r, ok := m.results[stage]
	if !ok {
		r = &StageResult{Stage: stage}
		m.results[stage] = r
	}
	return r
}

func (m *Monitor) RecordSuccess(stage, summary string, duration time.Duration) {
	m.mu.Lock()
	r := m.result(stage)
	r.Success = true
	r.Summary = summary
	r.Err = ""
	r.Duration = duration
	r.At = time.Now()
	m.lastRunSuccess = true
	m.lastRunTime = r.At
	m.mu.Unlock()

	m.log.WithFields(logging.Fields{"stage": stage, "duration": duration.String()}).Infof("✅ %s", summary)
}

// RecordPartialFailure notes item-level failures without changing health.
func (m *Monitor) RecordPartialFailure(stage string, err error, duration time.Duration) {
	m.mu.Lock()
	r := m.result(stage)
	r.Partial = append(r.Partial, err.Error())
	m.mu.Unlock()

	m.log.WithFields(logging.Fields{"stage": stage, "duration": duration.String()}).WithError(err).Warn("⚠️  partial failure")
}

func (m *Monitor) RecordCriticalFailure(stage string, err error, duration time.Duration) {
	m.mu.Lock()
	r := m.result(stage)
	r.Success = false
	r.Err = err.Error()
	r.Duration = duration
	r.At = time.Now()
	m.lastRunSuccess = false
	m.lastRunTime = r.At
	m.mu.Unlock()

	m.log.WithFields(logging.Fields{"stage": stage, "duration": duration.String()}).WithError(err).Error("🚨 critical failure")
}

// ResetPartials clears item-level failures before a new run.
func (m *Monitor) ResetPartials() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		r.Partial = nil
	}
}

func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastRunTime.IsZero() {
		return true
	}
	return m.lastRunSuccess
}

// Results returns a copy of the recorded results ordered by stage name.
func (m *Monitor) Results() []StageResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StageResult, 0, len(m.results))
	for _, r := range m.results {
		cp := *r
		cp.Partial = append([]string(nil), r.Partial...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

func (m *Monitor) GetStatusSummary() string {
	m.mu.RLock()
	last, ok := m.lastRunTime, m.lastRunSuccess
	m.mu.RUnlock()

	if last.IsZero() {
		return "No runs yet"
	}

	var b strings.Builder
	if ok {
		fmt.Fprintf(&b, "✅ Last run: %s", last.Format("Jan 2 15:04"))
	} else {
		fmt.Fprintf(&b, "❌ Last run failed: %s", last.Format("Jan 2 15:04"))
	}
	for _, r := range m.Results() {
		if r.Success {
			fmt.Fprintf(&b, "\n  %s: %s", r.Stage, r.Summary)
		} else {
			fmt.Fprintf(&b, "\n  %s: failed: %s", r.Stage, r.Err)
		}
	}
	return b.String()
}
