package telemetry

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Config holds Telemetry Aggregator settings.
type Config struct {
	Window         time.Duration
	RetainInactive time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:         60 * time.Second,
		RetainInactive: 10 * time.Minute,
	}
}

// SessionMetrics is one client's aggregated view.
type SessionMetrics struct {
	SessionID        string
	ClientID         string
	UserID           string
	Active           bool
	MeanLatencyMS    float64
	P95LatencyMS     float64
	ThroughputPerSec float64
	Reconnects       int
}

type latencySample struct {
	at time.Time
	ms float64
}

// entry tracks one client. Keyed by client_id, not session_id: a reconnect
// produces a fresh session but must accrue to the same entry.
type entry struct {
	clientID  string
	sessionID string
	userID    string

	active         bool
	disconnectedAt time.Time
	reconnects     int

	latencies []latencySample
	buckets   map[int64]int64 // deliveries per unix second
}

// Aggregator maintains rolling telemetry for all known clients.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates a Telemetry Aggregator.
func NewAggregator(cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Start begins the retention sweep loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.sweepLoop()

	a.logger.Info("telemetry aggregator started",
		"window", a.cfg.Window,
		"retain_inactive", a.cfg.RetainInactive,
	)
	return nil
}

// Stop shuts down the sweep loop.
func (a *Aggregator) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("telemetry aggregator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected registers a session for the client. Returns true when the client
// was already known, i.e. this is a reconnect.
func (a *Aggregator) Connected(clientID, sessionID, userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, known := a.entries[clientID]
	if !known {
		a.entries[clientID] = &entry{
			clientID:  clientID,
			sessionID: sessionID,
			userID:    userID,
			active:    true,
			buckets:   make(map[int64]int64),
		}
		return false
	}

	e.sessionID = sessionID
	e.userID = userID
	e.active = true
	e.reconnects++
	return true
}

// Disconnected marks the client inactive. The entry survives until the
// retention sweep so the last known metrics remain inspectable.
func (a *Aggregator) Disconnected(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[clientID]; ok {
		e.active = false
		e.disconnectedAt = time.Now()
	}
}

// RecordLatency adds one round-trip sample.
func (a *Aggregator) RecordLatency(clientID string, rtt time.Duration) {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[clientID]
	if !ok {
		return
	}
	e.latencies = append(e.latencies, latencySample{at: now, ms: float64(rtt.Microseconds()) / 1000})
	e.trim(now.Add(-a.cfg.Window))
}

// RecordDeliveries adds n delivered events to the current throughput bucket.
func (a *Aggregator) RecordDeliveries(clientID string, n int) {
	if n <= 0 {
		return
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[clientID]
	if !ok {
		return
	}
	e.buckets[now.Unix()] += int64(n)
	e.trim(now.Add(-a.cfg.Window))
}

// Latency returns the mean and p95 round-trip over the window.
func (a *Aggregator) Latency(clientID string) (mean, p95 float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, found := a.entries[clientID]
	if !found {
		return 0, 0, false
	}
	e.trim(time.Now().Add(-a.cfg.Window))
	mean, p95 = e.latencyLocked()
	return mean, p95, true
}

// Throughput returns delivered events per second over the window.
func (a *Aggregator) Throughput(clientID string) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, found := a.entries[clientID]
	if !found {
		return 0, false
	}
	e.trim(time.Now().Add(-a.cfg.Window))
	return e.throughputLocked(a.cfg.Window), true
}

// ReconnectCount returns how many times the client has reconnected.
func (a *Aggregator) ReconnectCount(clientID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.entries[clientID]; ok {
		return e.reconnects
	}
	return 0
}

// ActiveCount returns the number of currently connected clients.
func (a *Aggregator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := 0
	for _, e := range a.entries {
		if e.active {
			count++
		}
	}
	return count
}

// Snapshot returns the metrics for every known client, sorted by client ID.
func (a *Aggregator) Snapshot() []SessionMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.cfg.Window)
	out := make([]SessionMetrics, 0, len(a.entries))
	for _, e := range a.entries {
		e.trim(cutoff)
		mean, p95 := e.latencyLocked()
		out = append(out, SessionMetrics{
			SessionID:        e.sessionID,
			ClientID:         e.clientID,
			UserID:           e.userID,
			Active:           e.active,
			MeanLatencyMS:    mean,
			P95LatencyMS:     p95,
			ThroughputPerSec: e.throughputLocked(a.cfg.Window),
			Reconnects:       e.reconnects,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// WriteCSV writes the current snapshot as CSV with a header row.
func (a *Aggregator) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"session_id", "client_id", "user_id", "active",
		"mean_latency_ms", "p95_latency_ms", "throughput_per_sec", "reconnects",
	}); err != nil {
		return err
	}

	for _, m := range a.Snapshot() {
		rec := []string{
			m.SessionID,
			m.ClientID,
			m.UserID,
			strconv.FormatBool(m.Active),
			strconv.FormatFloat(m.MeanLatencyMS, 'f', 3, 64),
			strconv.FormatFloat(m.P95LatencyMS, 'f', 3, 64),
			strconv.FormatFloat(m.ThroughputPerSec, 'f', 3, 64),
			strconv.Itoa(m.Reconnects),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// Sweep runs one retention pass. Exported for tests; production sweeping
// runs on the ticker.
func (a *Aggregator) Sweep() {
	a.sweep()
}

func (a *Aggregator) sweepLoop() {
	defer a.wg.Done()

	interval := a.cfg.RetainInactive / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Aggregator) sweep() {
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for id, e := range a.entries {
		if !e.active && now.Sub(e.disconnectedAt) > a.cfg.RetainInactive {
			delete(a.entries, id)
			a.logger.Debug("dropped inactive telemetry entry", "client_id", id)
		}
	}
}

// trim drops latency samples and throughput buckets that fell out of the
// window. Caller holds the aggregator mutex.
func (e *entry) trim(cutoff time.Time) {
	keep := e.latencies[:0]
	for _, s := range e.latencies {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	e.latencies = keep

	cutoffSec := cutoff.Unix()
	for sec := range e.buckets {
		if sec < cutoffSec {
			delete(e.buckets, sec)
		}
	}
}

func (e *entry) latencyLocked() (mean, p95 float64) {
	if len(e.latencies) == 0 {
		return 0, 0
	}

	ms := make([]float64, len(e.latencies))
	sum := 0.0
	for i, s := range e.latencies {
		ms[i] = s.ms
		sum += s.ms
	}
	sort.Float64s(ms)

	idx := (len(ms)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sum / float64(len(ms)), ms[idx]
}

func (e *entry) throughputLocked(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	var total int64
	for _, n := range e.buckets {
		total += n
	}
	return float64(total) / window.Seconds()
}
