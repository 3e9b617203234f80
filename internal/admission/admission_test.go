package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/config"
)

// fakeClock is a manually advanced clock for window tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestController(mutate func(*config.AdmissionConfig)) (*Controller, *fakeClock) {
	cfg := config.AdmissionConfig{
		RPM:               100,
		RPH:               1000,
		Burst:             20,
		MaxConcurrent:     10,
		MaxQueueDepth:     100,
		OverloadThreshold: 0.8,
		GlobalCapacity:    100,
		DefaultScopes:     []string{ScopeQuery, ScopeIngest},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c := NewController(cfg, nil)
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	c.now = clk.Now
	return c, clk
}

func TestController_AdmitsWithinQuota(t *testing.T) {
	c, _ := newTestController(nil)

	dec := c.Admit("client-a", ScopeQuery)

	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reason)
	require.NotNil(t, dec.Ticket)
	dec.Ticket.Release()
}

func TestController_ScopeDenied(t *testing.T) {
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.Clients = []config.ClientQuota{
			{ID: "operator", Scopes: []string{ScopeQuery, ScopeAdmin}},
		}
	})

	// Default scopes do not include admin
	dec := c.Admit("client-a", ScopeAdmin)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonScopeDenied, dec.Reason)
	assert.Zero(t, dec.RetryAfter)
	assert.Nil(t, dec.Ticket)

	// A client granted the scope passes
	dec = c.Admit("operator", ScopeAdmin)
	assert.True(t, dec.Allowed)
	dec.Ticket.Release()
}

func TestController_ConcurrencyExceeded(t *testing.T) {
	// Given: a client holding its full concurrency quota
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.MaxConcurrent = 2
	})
	first := c.Admit("client-a", ScopeQuery)
	second := c.Admit("client-a", ScopeQuery)
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)

	// When: a third request arrives
	dec := c.Admit("client-a", ScopeQuery)

	// Then: it is denied with a one-second retry hint
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonConcurrencyExceeded, dec.Reason)
	assert.Equal(t, time.Second, dec.RetryAfter)

	// Releasing a slot admits the next request
	first.Ticket.Release()
	dec = c.Admit("client-a", ScopeQuery)
	assert.True(t, dec.Allowed)

	dec.Ticket.Release()
	second.Ticket.Release()
}

func TestController_TicketReleaseDecrementsOnce(t *testing.T) {
	// Given: a single-slot client whose ticket is released twice
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.MaxConcurrent = 1
	})
	first := c.Admit("client-a", ScopeQuery)
	require.True(t, first.Allowed)
	first.Ticket.Release()
	first.Ticket.Release()

	// Then: exactly one slot is free, not two
	second := c.Admit("client-a", ScopeQuery)
	assert.True(t, second.Allowed)
	third := c.Admit("client-a", ScopeQuery)
	assert.False(t, third.Allowed)
	assert.Equal(t, ReasonConcurrencyExceeded, third.Reason)

	second.Ticket.Release()
}

func TestController_RPMExceededAndAgesOut(t *testing.T) {
	// Given: three admitted requests spread over three seconds
	c, clk := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.RPM = 3
		cfg.Burst = 10
	})
	for i := 0; i < 3; i++ {
		dec := c.Admit("client-a", ScopeQuery)
		require.True(t, dec.Allowed)
		dec.Ticket.Release()
		clk.Advance(time.Second)
	}

	// When: a fourth arrives with the minute window full
	dec := c.Admit("client-a", ScopeQuery)

	// Then: denied until the oldest in-minute request ages out
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonRPMExceeded, dec.Reason)
	assert.Equal(t, 57*time.Second, dec.RetryAfter)

	// When: the clock passes the oldest timestamp's minute
	clk.Advance(58 * time.Second)
	dec = c.Admit("client-a", ScopeQuery)
	assert.True(t, dec.Allowed)
	dec.Ticket.Release()
}

func TestController_RPHExceeded(t *testing.T) {
	c, clk := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.RPH = 3
		cfg.RPM = 100
		cfg.Burst = 100
	})
	for i := 0; i < 3; i++ {
		dec := c.Admit("client-a", ScopeQuery)
		require.True(t, dec.Allowed)
		dec.Ticket.Release()
		clk.Advance(11 * time.Second)
	}

	dec := c.Admit("client-a", ScopeQuery)

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonRPHExceeded, dec.Reason)
	assert.Equal(t, time.Hour-33*time.Second, dec.RetryAfter)
}

func TestController_BurstWindow(t *testing.T) {
	// Given: the documented burst setup, ten sequential requests in one
	// second against rpm=5 burst=3 max_concurrent=2
	c, clk := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.RPM = 5
		cfg.Burst = 3
		cfg.MaxConcurrent = 2
	})

	admitted := 0
	var denials []Decision
	for i := 0; i < 10; i++ {
		dec := c.Admit("client-a", ScopeQuery)
		if dec.Allowed {
			admitted++
			dec.Ticket.Release()
		} else {
			denials = append(denials, dec)
		}
		clk.Advance(100 * time.Millisecond)
	}

	// Then: three fill the burst window, the rest wait for it to advance
	assert.Equal(t, 3, admitted)
	require.Len(t, denials, 7)
	for _, dec := range denials {
		assert.Equal(t, ReasonBurstExceeded, dec.Reason)
		assert.Positive(t, dec.RetryAfter)
	}

	// When: the burst window has advanced
	clk.Advance(10 * time.Second)
	dec := c.Admit("client-a", ScopeQuery)
	assert.True(t, dec.Allowed)
	dec.Ticket.Release()
}

func TestController_SystemOverload(t *testing.T) {
	// Given: global in-flight at 80% of capacity
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.GlobalCapacity = 10
		cfg.MaxConcurrent = 20
		cfg.Burst = 100
	})
	var tickets []*Ticket
	for i := 0; i < 8; i++ {
		dec := c.Admit("client-a", ScopeQuery)
		require.True(t, dec.Allowed)
		tickets = append(tickets, dec.Ticket)
	}

	// Then: every client is shed, not just the busy one
	dec := c.Admit("client-a", ScopeQuery)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonSystemOverload, dec.Reason)
	assert.Equal(t, 10*time.Second, dec.RetryAfter)

	dec = c.Admit("client-b", ScopeQuery)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonSystemOverload, dec.Reason)

	// Releasing load admits again
	for _, ticket := range tickets {
		ticket.Release()
	}
	dec = c.Admit("client-b", ScopeQuery)
	assert.True(t, dec.Allowed)
	dec.Ticket.Release()
}

func TestController_QueueFull(t *testing.T) {
	// Given: a client whose queue is at the depth limit
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.MaxQueueDepth = 3
	})
	leave1 := c.EnterQueue("client-a")
	leave2 := c.EnterQueue("client-a")
	leave3 := c.EnterQueue("client-a")

	dec := c.Admit("client-a", ScopeQuery)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonQueueFull, dec.Reason)
	assert.Equal(t, 5*time.Second, dec.RetryAfter)

	// Leaving once frees a slot; leaving twice does not free two
	leave1()
	leave1()
	dec = c.Admit("client-a", ScopeQuery)
	assert.True(t, dec.Allowed)
	dec.Ticket.Release()

	leave4 := c.EnterQueue("client-a")
	dec = c.Admit("client-a", ScopeQuery)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonQueueFull, dec.Reason)

	leave2()
	leave3()
	leave4()
}

func TestController_ChecksRunInQuotaOrder(t *testing.T) {
	// Given: a client over both its concurrency and burst limits
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.MaxConcurrent = 1
		cfg.Burst = 1
	})
	held := c.Admit("client-a", ScopeQuery)
	require.True(t, held.Allowed)

	// Then: concurrency is reported first
	dec := c.Admit("client-a", ScopeQuery)
	assert.Equal(t, ReasonConcurrencyExceeded, dec.Reason)

	// And after release, the burst limit is the next gate
	held.Ticket.Release()
	dec = c.Admit("client-a", ScopeQuery)
	assert.Equal(t, ReasonBurstExceeded, dec.Reason)
}

func TestController_PerClientQuotaOverrides(t *testing.T) {
	// Given: a default burst of 2 and one client with a raised quota
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.Burst = 2
		cfg.Clients = []config.ClientQuota{{ID: "vip", Burst: 5}}
	})

	admitAll := func(client string) int {
		admitted := 0
		for i := 0; i < 10; i++ {
			dec := c.Admit(client, ScopeQuery)
			if !dec.Allowed {
				break
			}
			admitted++
			dec.Ticket.Release()
		}
		return admitted
	}

	// Then: the unknown client gets the default, the vip its override
	assert.Equal(t, 2, admitAll("anon"))
	assert.Equal(t, 5, admitAll("vip"))
}

func TestController_ClientsAreIsolated(t *testing.T) {
	// Given: one client's burst window is exhausted
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.Burst = 1
	})
	dec := c.Admit("client-a", ScopeQuery)
	require.True(t, dec.Allowed)
	dec.Ticket.Release()
	denied := c.Admit("client-a", ScopeQuery)
	require.Equal(t, ReasonBurstExceeded, denied.Reason)

	// Then: another client is unaffected
	dec = c.Admit("client-b", ScopeQuery)
	assert.True(t, dec.Allowed)
	dec.Ticket.Release()
}

func TestController_Stats(t *testing.T) {
	c, _ := newTestController(nil)

	first := c.Admit("client-a", ScopeQuery)
	second := c.Admit("client-b", ScopeQuery)
	leave := c.EnterQueue("client-a")

	s := c.Stats()
	assert.Equal(t, int64(2), s.InFlight)
	assert.Equal(t, 100, s.Capacity)
	assert.InDelta(t, 0.02, s.LoadRatio, 1e-9)
	assert.Equal(t, 1, s.QueueDepth)
	assert.Equal(t, 2, s.Clients)
	assert.Equal(t, HealthHealthy, s.Status)

	leave()
	first.Ticket.Release()
	second.Ticket.Release()

	s = c.Stats()
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, 0, s.QueueDepth)
}

func TestController_StatsReportsOverload(t *testing.T) {
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.GlobalCapacity = 2
		cfg.Burst = 100
	})

	first := c.Admit("client-a", ScopeQuery)
	second := c.Admit("client-a", ScopeQuery)
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)

	assert.Equal(t, HealthOverloaded, c.Stats().Status)

	first.Ticket.Release()
	second.Ticket.Release()
}

func TestController_StatsReportsHighQueue(t *testing.T) {
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.MaxQueueDepth = 10
	})

	var leaves []func()
	for i := 0; i < 8; i++ {
		leaves = append(leaves, c.EnterQueue("client-a"))
	}

	assert.Equal(t, HealthHighQueue, c.Stats().Status)

	for _, leave := range leaves {
		leave()
	}
	assert.Equal(t, HealthHealthy, c.Stats().Status)
}

func TestController_ConcurrentAdmitAndRelease(t *testing.T) {
	// Hammer one client from many goroutines; counters must end at zero.
	c, _ := newTestController(func(cfg *config.AdmissionConfig) {
		cfg.MaxConcurrent = 4
		cfg.Burst = 0
		cfg.RPM = 0
		cfg.RPH = 0
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				dec := c.Admit("client-a", ScopeQuery)
				if dec.Allowed {
					dec.Ticket.Release()
				}
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, 0, s.QueueDepth)
}
