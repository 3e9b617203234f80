// Package admission enforces per-client quotas and global backpressure
// ahead of the query pipeline. Denials are observable outcomes carrying
// a reason and a retry hint, never errors. The controller fails open
// when its own bookkeeping turns out inconsistent, logging the repair.
package admission

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/ragserve/internal/config"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// Scopes a client quota can grant.
const (
	ScopeQuery  = "query"
	ScopeIngest = "ingest"
	ScopeAdmin  = "admin"
)

// Denial reasons, used verbatim as metric labels and in 429 bodies.
const (
	ReasonScopeDenied         = "scope_denied"
	ReasonConcurrencyExceeded = "concurrency_exceeded"
	ReasonRPMExceeded         = "rpm_exceeded"
	ReasonRPHExceeded         = "rph_exceeded"
	ReasonBurstExceeded       = "burst_exceeded"
	ReasonSystemOverload      = "system_overload"
	ReasonQueueFull           = "queue_full"
)

// Health states reported by Stats.
const (
	HealthHealthy    = "healthy"
	HealthHighQueue  = "high_queue"
	HealthOverloaded = "overloaded"
)

// Sliding window spans for the rate checks.
const (
	burstWindow  = 10 * time.Second
	minuteWindow = time.Minute
	hourWindow   = time.Hour

	cleanupEvery = 5 * time.Minute
	// maxWindowEntries bounds a client's timestamp window even when its
	// rate quotas are disabled.
	maxWindowEntries = 10000
)

// Decision is the outcome of one admission check. Allowed decisions
// carry a Ticket; denials carry the reason and a retry hint.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Ticket     *Ticket
}

// Ticket is one admitted in-flight request. Releasing it returns the
// slot; release is idempotent and decrements exactly once.
type Ticket struct {
	once    sync.Once
	release func()
}

// Release returns the ticket's admission slot. Safe on nil tickets and
// repeated calls.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(t.release)
}

// DenialError converts a denial into the service error surfaced to HTTP
// callers. The retry hint rides in the details as whole seconds, rounded
// up so a sub-second hint never tells the client to retry immediately.
func DenialError(d Decision) *ragerrors.ServiceError {
	code := ragerrors.ErrCodeSystemOverload
	switch d.Reason {
	case ReasonScopeDenied:
		code = ragerrors.ErrCodeScopeDenied
	case ReasonConcurrencyExceeded:
		code = ragerrors.ErrCodeConcurrencyExceeded
	case ReasonRPMExceeded:
		code = ragerrors.ErrCodeRPMExceeded
	case ReasonRPHExceeded:
		code = ragerrors.ErrCodeRPHExceeded
	case ReasonBurstExceeded:
		code = ragerrors.ErrCodeBurstExceeded
	case ReasonQueueFull:
		code = ragerrors.ErrCodeQueueFull
	}
	err := ragerrors.New(code, "request denied: "+d.Reason, nil).
		WithDetail("reason", d.Reason)
	if d.RetryAfter > 0 {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		err = err.WithDetail("retry_after_seconds", strconv.Itoa(secs))
	}
	return err
}

// quota is a client's resolved limits. A zero limit disables its check.
type quota struct {
	rpm           int
	rph           int
	burst         int
	maxConcurrent int
	scopes        map[string]struct{}
}

// clientState tracks one client's sliding window and counters. The
// window holds admitted request times in ascending order; denials are
// not recorded.
type clientState struct {
	mu         sync.Mutex
	quota      quota
	window     []time.Time
	inFlight   int
	queueDepth int
	lastSeen   time.Time
}

// trim drops window entries at or before cutoff.
func (s *clientState) trim(cutoff time.Time) {
	i := 0
	for i < len(s.window) && !s.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// countSince returns how many admitted requests fall after cutoff and
// the oldest such timestamp.
func (s *clientState) countSince(cutoff time.Time) (int, time.Time) {
	i := sort.Search(len(s.window), func(i int) bool {
		return s.window[i].After(cutoff)
	})
	if i == len(s.window) {
		return 0, time.Time{}
	}
	return len(s.window) - i, s.window[i]
}

// Controller admits or denies requests per client.
type Controller struct {
	cfg config.AdmissionConfig
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]*clientState

	globalInFlight atomic.Int64
	lastCleanup    atomic.Int64
}

// NewController creates a controller from the admission configuration.
func NewController(cfg config.AdmissionConfig, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		clients: make(map[string]*clientState),
	}
	c.lastCleanup.Store(time.Now().Unix())
	return c
}

// Admit runs the checks for one request in quota order: scope,
// concurrency, per-minute rate, per-hour rate, burst, global overload,
// queue depth. An allowed decision records the request timestamp and
// holds an in-flight slot until its ticket is released.
func (c *Controller) Admit(clientID, scope string) Decision {
	now := c.now()
	c.maybeCleanup(now)

	st := c.client(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastSeen = now

	if _, ok := st.quota.scopes[scope]; !ok {
		return denied(ReasonScopeDenied, 0)
	}

	if st.inFlight < 0 {
		// Bookkeeping went inconsistent; repair and fail open.
		c.log.Warn("admission_inflight_underflow",
			slog.String("client", clientID),
			slog.Int("in_flight", st.inFlight))
		st.inFlight = 0
	}
	if st.quota.maxConcurrent > 0 && st.inFlight >= st.quota.maxConcurrent {
		return denied(ReasonConcurrencyExceeded, time.Second)
	}

	st.trim(now.Add(-hourWindow))

	if n, oldest := st.countSince(now.Add(-minuteWindow)); st.quota.rpm > 0 && n >= st.quota.rpm {
		return denied(ReasonRPMExceeded, minuteWindow-now.Sub(oldest))
	}
	if n, oldest := st.countSince(now.Add(-hourWindow)); st.quota.rph > 0 && n >= st.quota.rph {
		return denied(ReasonRPHExceeded, hourWindow-now.Sub(oldest))
	}
	if n, oldest := st.countSince(now.Add(-burstWindow)); st.quota.burst > 0 && n >= st.quota.burst {
		return denied(ReasonBurstExceeded, burstWindow-now.Sub(oldest))
	}

	if c.cfg.GlobalCapacity > 0 {
		ratio := float64(c.globalInFlight.Load()) / float64(c.cfg.GlobalCapacity)
		if ratio >= c.cfg.OverloadThreshold {
			return denied(ReasonSystemOverload, 10*time.Second)
		}
	}

	if c.cfg.MaxQueueDepth > 0 && st.queueDepth >= c.cfg.MaxQueueDepth {
		return denied(ReasonQueueFull, 5*time.Second)
	}

	if len(st.window) >= maxWindowEntries {
		st.window = append(st.window[:0], st.window[1:]...)
	}
	st.window = append(st.window, now)
	st.inFlight++
	c.globalInFlight.Add(1)

	ticket := &Ticket{release: func() {
		st.mu.Lock()
		if st.inFlight > 0 {
			st.inFlight--
		} else {
			c.log.Warn("admission_release_underflow", slog.String("client", clientID))
		}
		st.mu.Unlock()
		c.globalInFlight.Add(-1)
	}}
	return Decision{Allowed: true, Ticket: ticket}
}

// EnterQueue counts a request as queued for its client until the
// returned leave function runs. Leaving is idempotent.
func (c *Controller) EnterQueue(clientID string) func() {
	st := c.client(clientID)
	st.mu.Lock()
	st.queueDepth++
	st.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			st.mu.Lock()
			if st.queueDepth > 0 {
				st.queueDepth--
			} else {
				c.log.Warn("admission_queue_underflow", slog.String("client", clientID))
			}
			st.mu.Unlock()
		})
	}
}

// Stats is a point-in-time snapshot of controller load.
type Stats struct {
	InFlight   int64   `json:"in_flight"`
	Capacity   int     `json:"capacity"`
	LoadRatio  float64 `json:"load_ratio"`
	QueueDepth int     `json:"queue_depth"`
	Clients    int     `json:"clients"`
	Status     string  `json:"status"`
}

// Stats reports global load and a coarse health status for readiness
// and telemetry.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	clients := len(c.clients)
	queue := 0
	for _, st := range c.clients {
		st.mu.Lock()
		queue += st.queueDepth
		st.mu.Unlock()
	}
	c.mu.RUnlock()

	s := Stats{
		InFlight:   c.globalInFlight.Load(),
		Capacity:   c.cfg.GlobalCapacity,
		QueueDepth: queue,
		Clients:    clients,
		Status:     HealthHealthy,
	}
	if s.Capacity > 0 {
		s.LoadRatio = float64(s.InFlight) / float64(s.Capacity)
	}
	switch {
	case s.Capacity > 0 && s.LoadRatio >= c.cfg.OverloadThreshold:
		s.Status = HealthOverloaded
	case c.cfg.MaxQueueDepth > 0 && float64(queue) >= 0.8*float64(c.cfg.MaxQueueDepth):
		s.Status = HealthHighQueue
	}
	return s
}

func denied(reason string, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// client returns the tracked state for a client, creating it with its
// resolved quota on first sight.
func (c *Controller) client(id string) *clientState {
	c.mu.RLock()
	st, ok := c.clients[id]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.clients[id]; ok {
		return st
	}
	st = &clientState{quota: c.resolveQuota(id)}
	c.clients[id] = st
	return st
}

// resolveQuota merges a client's configured overrides over the
// defaults. Unknown clients get the default limits and scopes.
func (c *Controller) resolveQuota(id string) quota {
	q := quota{
		rpm:           c.cfg.RPM,
		rph:           c.cfg.RPH,
		burst:         c.cfg.Burst,
		maxConcurrent: c.cfg.MaxConcurrent,
		scopes:        scopeSet(c.cfg.DefaultScopes),
	}
	for _, cq := range c.cfg.Clients {
		if cq.ID != id {
			continue
		}
		if cq.RPM > 0 {
			q.rpm = cq.RPM
		}
		if cq.RPH > 0 {
			q.rph = cq.RPH
		}
		if cq.Burst > 0 {
			q.burst = cq.Burst
		}
		if cq.MaxConcurrent > 0 {
			q.maxConcurrent = cq.MaxConcurrent
		}
		if len(cq.Scopes) > 0 {
			q.scopes = scopeSet(cq.Scopes)
		}
		break
	}
	return q
}

func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// maybeCleanup sweeps long-idle client state every few minutes.
func (c *Controller) maybeCleanup(now time.Time) {
	last := c.lastCleanup.Load()
	if now.Unix()-last < int64(cleanupEvery/time.Second) {
		return
	}
	if !c.lastCleanup.CompareAndSwap(last, now.Unix()) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-hourWindow)
	for id, st := range c.clients {
		st.mu.Lock()
		st.trim(cutoff)
		idle := len(st.window) == 0 && st.inFlight == 0 && st.queueDepth == 0 &&
			!st.lastSeen.IsZero() && now.Sub(st.lastSeen) >= hourWindow
		st.mu.Unlock()
		if idle {
			delete(c.clients, id)
		}
	}
}
