// Package health monitors session idle time, subprocess resource usage,
// and overall service health.
package health

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/zhubert/relay-core/events"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/manager"
	"github.com/zhubert/relay-core/process"
)

// Fixed classification thresholds.
const (
	MemoryWarningBytes  = 500 << 20 // 500MB
	MemoryCriticalBytes = 1 << 30   // 1GB
	CPUWarningPercent   = 80.0
	CPUCriticalPercent  = 95.0

	// MetricsWindowSize bounds the per-pid sample history.
	MetricsWindowSize = 100
)

// Level classifies a process's resource state.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// MetricSample is one resource observation.
type MetricSample struct {
	RSSBytes   uint64
	CPUPercent float64
	At         time.Time
}

// ProcessMetrics is a bounded rolling window of samples for one pid.
type ProcessMetrics struct {
	samples   []MetricSample
	next      int
	count     int
	MaxMemory uint64
	MaxCPU    float64
	StartTime time.Time
}

func newProcessMetrics() *ProcessMetrics {
	return &ProcessMetrics{
		samples:   make([]MetricSample, MetricsWindowSize),
		StartTime: time.Now(),
	}
}

// Record appends a sample, evicting the oldest when the window is full.
func (pm *ProcessMetrics) Record(s MetricSample) {
	pm.samples[pm.next] = s
	pm.next = (pm.next + 1) % MetricsWindowSize
	if pm.count < MetricsWindowSize {
		pm.count++
	}
	if s.RSSBytes > pm.MaxMemory {
		pm.MaxMemory = s.RSSBytes
	}
	if s.CPUPercent > pm.MaxCPU {
		pm.MaxCPU = s.CPUPercent
	}
}

// Len returns how many samples the window currently holds.
func (pm *ProcessMetrics) Len() int {
	return pm.count
}

// Latest returns the most recent sample, or false when empty.
func (pm *ProcessMetrics) Latest() (MetricSample, bool) {
	if pm.count == 0 {
		return MetricSample{}, false
	}
	idx := (pm.next - 1 + MetricsWindowSize) % MetricsWindowSize
	return pm.samples[idx], true
}

// classify maps a sample to a health level using the fixed thresholds.
func classify(s MetricSample) Level {
	switch {
	case s.RSSBytes >= MemoryCriticalBytes || s.CPUPercent >= CPUCriticalPercent:
		return LevelCritical
	case s.RSSBytes >= MemoryWarningBytes || s.CPUPercent >= CPUWarningPercent:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

// SessionSource is the slice of the session registry the monitor reads.
type SessionSource interface {
	GetActiveSessions() []manager.Session
	GetSession(id string) (manager.Session, bool)
	CleanupDeadSession(id string)
}

// Options wires the monitor's collaborators and knobs. Sample, Alive,
// LastOutput, and CheckCLI are injectable for tests; nil gets the OS-backed
// defaults.
type Options struct {
	Sessions SessionSource
	Bus      *events.Bus

	IdleTimeout    time.Duration
	CheckInterval  time.Duration
	SweepInterval  time.Duration
	StallThreshold time.Duration

	// Disabled makes Start a no-op so tests and CI never leave timers
	// dangling.
	Disabled bool

	PIDForSession func(sessionID string) int
	Sample        func(pid int) (process.Sample, error)
	Alive         func(pid int) bool
	LastOutput    func(sessionID string) time.Time
	CheckCLI      func() bool
}

// TimeoutStatus is the outcome of an idle-timeout check.
type TimeoutStatus struct {
	TimedOut      bool
	Reason        string
	TimeRemaining time.Duration
}

// Status aggregates the service-level health check.
type Status struct {
	Status  string         `json:"status"` // healthy | unhealthy
	Checks  map[string]any `json:"checks"`
	Details map[string]any `json:"details,omitempty"`
}

// Monitor runs the periodic health and timeout sweeps.
type Monitor struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	metrics map[int]*ProcessMetrics
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Monitor. Zero-valued knobs get sane defaults; nil probes
// get OS-backed implementations.
func New(opts Options) *Monitor {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 24 * time.Hour
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 2 * time.Minute
	}
	if opts.Sample == nil {
		opts.Sample = process.SampleProcess
	}
	if opts.Alive == nil {
		opts.Alive = process.IsAlive
	}
	if opts.PIDForSession == nil {
		opts.PIDForSession = func(string) int { return 0 }
	}
	if opts.LastOutput == nil {
		opts.LastOutput = func(string) time.Time { return time.Time{} }
	}
	if opts.CheckCLI == nil {
		opts.CheckCLI = func() bool { return true }
	}
	return &Monitor{
		opts:    opts,
		log:     logger.WithComponent("health"),
		metrics: make(map[int]*ProcessMetrics),
	}
}

// CheckSessionTimeout reports whether the session has been idle past the
// threshold. Unknown sessions read as timed out.
func (m *Monitor) CheckSessionTimeout(sessionID string) TimeoutStatus {
	sess, ok := m.opts.Sessions.GetSession(sessionID)
	if !ok {
		return TimeoutStatus{TimedOut: true, Reason: "not found"}
	}

	last := sess.LastActivity
	if last.IsZero() {
		last = sess.StartTime
	}

	idle := time.Since(last)
	if idle >= m.opts.IdleTimeout {
		return TimeoutStatus{TimedOut: true, Reason: "idle timeout exceeded"}
	}
	return TimeoutStatus{TimeRemaining: m.opts.IdleTimeout - idle}
}

// CheckAllProcessHealth samples every active session's process, records the
// window, and reacts: dead processes are delegated to dead-session cleanup,
// warning/critical levels are logged.
func (m *Monitor) CheckAllProcessHealth() {
	sessions := m.opts.Sessions.GetActiveSessions()
	activePids := make(map[int]bool, len(sessions))

	for _, sess := range sessions {
		pid := sess.PID
		if pid == 0 {
			pid = m.opts.PIDForSession(sess.ID)
		}
		if pid == 0 {
			continue
		}

		if !m.opts.Alive(pid) {
			m.log.Warn("process dead, cleaning up session", "session", sess.ID, "pid", pid)
			m.opts.Sessions.CleanupDeadSession(sess.ID)
			continue
		}
		activePids[pid] = true

		sample, err := m.opts.Sample(pid)
		if err != nil {
			m.log.Debug("sample failed", "pid", pid, "error", err)
			continue
		}

		ms := MetricSample{RSSBytes: sample.RSSBytes, CPUPercent: sample.CPUPercent, At: time.Now()}
		m.mu.Lock()
		pm, ok := m.metrics[pid]
		if !ok {
			pm = newProcessMetrics()
			m.metrics[pid] = pm
		}
		pm.Record(ms)
		m.mu.Unlock()

		switch classify(ms) {
		case LevelCritical:
			m.log.Error("process resource usage critical",
				"session", sess.ID, "pid", pid, "rss", ms.RSSBytes, "cpu", ms.CPUPercent)
		case LevelWarning:
			m.log.Warn("process resource usage elevated",
				"session", sess.ID, "pid", pid, "rss", ms.RSSBytes, "cpu", ms.CPUPercent)
		}
	}

	// Prune metrics for pids no longer in the active set.
	m.mu.Lock()
	for pid := range m.metrics {
		if !activePids[pid] {
			delete(m.metrics, pid)
		}
	}
	m.mu.Unlock()
}

// CheckStalledSessions emits a stallDetected event for every session whose
// process is alive but silent past the stall threshold.
func (m *Monitor) CheckStalledSessions() {
	for _, sess := range m.opts.Sessions.GetActiveSessions() {
		pid := sess.PID
		if pid == 0 {
			pid = m.opts.PIDForSession(sess.ID)
		}
		if pid == 0 || !m.opts.Alive(pid) {
			continue
		}

		last := m.opts.LastOutput(sess.ID)
		if last.IsZero() {
			continue
		}
		silent := time.Since(last)
		if silent >= m.opts.StallThreshold {
			m.opts.Bus.Emit(events.StallDetected, sess.ID, map[string]any{
				"silentFor": silent.String(),
			})
		}
	}
}

// SweepTimeouts cleans up every session past its idle timeout.
func (m *Monitor) SweepTimeouts() {
	for _, sess := range m.opts.Sessions.GetActiveSessions() {
		if m.CheckSessionTimeout(sess.ID).TimedOut {
			m.log.Info("session idle timeout", "session", sess.ID)
			m.opts.Sessions.CleanupDeadSession(sess.ID)
		}
	}
}

// MetricsForPID returns a copy of the latest sample and maxima for a pid.
func (m *Monitor) MetricsForPID(pid int) (latest MetricSample, maxMemory uint64, maxCPU float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, exists := m.metrics[pid]
	if !exists {
		return MetricSample{}, 0, 0, false
	}
	latest, _ = pm.Latest()
	return latest, pm.MaxMemory, pm.MaxCPU, true
}

// HealthCheck aggregates CLI availability, session count, and this
// process's own memory usage. The status is unhealthy only when the CLI
// availability check fails.
func (m *Monitor) HealthCheck() Status {
	cliOK := m.opts.CheckCLI()
	sessionCount := len(m.opts.Sessions.GetActiveSessions())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := "healthy"
	if !cliOK {
		status = "unhealthy"
	}

	return Status{
		Status: status,
		Checks: map[string]any{
			"aicli":    cliOK,
			"sessions": sessionCount,
			"memory":   mem.Alloc,
		},
		Details: map[string]any{
			"heapSys":    mem.HeapSys,
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Start launches the periodic sweeps. A Disabled monitor returns
// immediately so tests never leave timers dangling. Safe to call once.
func (m *Monitor) Start() {
	if m.opts.Disabled {
		m.log.Debug("health monitoring disabled")
		return
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.CheckAllProcessHealth()
				m.CheckStalledSessions()
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.SweepTimeouts()
			}
		}
	}()

	m.log.Info("health monitoring started",
		"checkInterval", m.opts.CheckInterval, "sweepInterval", m.opts.SweepInterval)
}

// Stop halts the sweeps and waits for them to exit. Safe to call without a
// prior Start and safe to call twice.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}
