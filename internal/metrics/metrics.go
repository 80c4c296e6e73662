package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal        atomic.Uint64
	reqErrors       atomic.Uint64
	rateLimited     atomic.Uint64
	sessionsActive  atomic.Int64
	sessionStarts   atomic.Uint64
	sessionStops    atomic.Uint64
	sessionFailures atomic.Uint64
	bootTimeouts    atomic.Uint64
	flagSubmissions atomic.Uint64
	flagsCorrect    atomic.Uint64
	injectFailures  atomic.Uint64
	mu              sync.RWMutex
	pathCount       map[string]uint64
	latencyBuckets  map[float64]uint64
	latencyInf      uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()               { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()         { r.rateLimited.Add(1) }
func (r *Registry) SetActiveSessions(v int) { r.sessionsActive.Store(int64(v)) }
func (r *Registry) IncSessionStart()        { r.sessionStarts.Add(1) }
func (r *Registry) IncSessionStop()         { r.sessionStops.Add(1) }
func (r *Registry) IncSessionFailure()      { r.sessionFailures.Add(1) }
func (r *Registry) IncBootTimeout()         { r.bootTimeouts.Add(1) }
func (r *Registry) IncFlagSubmission()      { r.flagSubmissions.Add(1) }
func (r *Registry) IncFlagCorrect()         { r.flagsCorrect.Add(1) }
func (r *Registry) IncInjectFailure()       { r.injectFailures.Add(1) }

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	// Buckets hold per-bucket counts; render sums them cumulatively.
	best := -1.0
	for b := range r.latencyBuckets {
		if secs <= b && (best < 0 || b < best) {
			best = b
		}
	}
	if best < 0 {
		r.latencyInf++
		return
	}
	r.latencyBuckets[best]++
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, v)
	}
	counter("range_requests_total", "Total API requests", r.reqTotal.Load())
	counter("range_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter("range_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	counter("range_session_starts_total", "Total successful session starts", r.sessionStarts.Load())
	counter("range_session_stops_total", "Total session stops", r.sessionStops.Load())
	counter("range_session_failures_total", "Total failed session starts", r.sessionFailures.Load())
	counter("range_boot_timeouts_total", "Total VM boot timeouts", r.bootTimeouts.Load())
	counter("range_flag_submissions_total", "Total flag submissions", r.flagSubmissions.Load())
	counter("range_flags_correct_total", "Total correct flag submissions", r.flagsCorrect.Load())
	counter("range_flag_inject_failures_total", "Total flag injection failures", r.injectFailures.Load())

	fmt.Fprintln(&b, "# HELP range_sessions_active Active sessions")
	fmt.Fprintln(&b, "# TYPE range_sessions_active gauge")
	fmt.Fprintf(&b, "range_sessions_active %d\n", r.sessionsActive.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)

	fmt.Fprintln(&b, "# HELP range_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE range_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "range_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP range_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE range_request_duration_seconds histogram")
	cumulative := uint64(0)
	for _, bound := range latencyBounds {
		cumulative += r.latencyBuckets[bound]
		fmt.Fprintf(&b, "range_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "range_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "range_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
