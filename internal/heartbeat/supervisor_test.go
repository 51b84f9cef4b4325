package heartbeat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/wsrelay/internal/registry"
	"github.com/Tyrowin/wsrelay/internal/testhelpers"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*registry.Registry, *Supervisor, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := testhelpers.DiscardLogger()
	reg := registry.New(registry.WithClock(clk.Now), registry.WithLogger(logger))
	return reg, New(reg, 30*time.Second, 35*time.Second, logger), clk
}

func add(t *testing.T, reg *registry.Registry, id string) (*registry.Connection, *testhelpers.FakeTransport) {
	t.Helper()
	ft := testhelpers.NewFakeTransport()
	c := registry.NewConnection(id, ft, nil, reg.Now())
	require.NoError(t, reg.Add(c))
	return c, ft
}

func TestSweep_ProbesOpenConnections(t *testing.T) {
	reg, sup, _ := setup(t)
	a, fa := add(t, reg, "a")
	_, fb := add(t, reg, "b")
	fb.SetOpen(false)

	res := sup.Sweep()

	assert.Equal(t, SweepResult{Probed: 1}, res)
	assert.Equal(t, 1, fa.Pings())
	assert.Equal(t, 0, fb.Pings())
	assert.False(t, a.Alive())
}

func TestSweep_EvictsUnresponsiveConnection(t *testing.T) {
	reg, sup, clk := setup(t)
	add(t, reg, "silent")
	responsive, _ := add(t, reg, "responsive")
	add(t, reg, "roomie")
	reg.Join("silent", "lobby")
	reg.Join("roomie", "lobby")

	sup.Sweep()
	clk.Advance(30 * time.Second)
	responsive.MarkAlive()
	assert.Equal(t, 0, sup.Sweep().Evicted, "30s < 35s timeout")

	clk.Advance(30 * time.Second)
	responsive.MarkAlive()
	res := sup.Sweep()

	assert.Equal(t, 2, res.Evicted)
	_, ok := reg.Get("silent")
	assert.False(t, ok)
	_, ok = reg.Get("responsive")
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Stats().Total)
	assert.Empty(t, reg.Rooms())
}

func TestSweep_TerminatesWithoutHandshake(t *testing.T) {
	reg, sup, clk := setup(t)
	_, ft := add(t, reg, "a")

	sup.Sweep()
	clk.Advance(36 * time.Second)
	sup.Sweep()

	assert.True(t, ft.Terminated())
	closed, _, _ := ft.Closed()
	assert.False(t, closed)
}

func TestSweep_AcknowledgedProbeKeepsConnection(t *testing.T) {
	reg, sup, clk := setup(t)
	c, _ := add(t, reg, "a")

	for i := 0; i < 5; i++ {
		sup.Sweep()
		c.MarkAlive()
		clk.Advance(time.Minute)
	}

	_, ok := reg.Get("a")
	assert.True(t, ok)
}

func TestSweep_FailedProbeEvicts(t *testing.T) {
	reg, sup, _ := setup(t)
	_, ft := add(t, reg, "a")
	ft.FailPings(errors.New("write: broken pipe"))

	res := sup.Sweep()

	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, 0, reg.Len())
}

type blockingTransport struct {
	*testhelpers.FakeTransport
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Ping() error {
	b.entered <- struct{}{}
	<-b.release
	return b.FakeTransport.Ping()
}

func TestSweep_SingleFlight(t *testing.T) {
	reg, sup, _ := setup(t)
	bt := &blockingTransport{
		FakeTransport: testhelpers.NewFakeTransport(),
		entered:       make(chan struct{}, 2),
		release:       make(chan struct{}),
	}
	require.NoError(t, reg.Add(registry.NewConnection("slow", bt, nil, reg.Now())))

	first := make(chan SweepResult)
	go func() { first <- sup.Sweep() }()
	<-bt.entered

	assert.True(t, sup.Sweep().Skipped)

	close(bt.release)
	assert.Equal(t, SweepResult{Probed: 1}, <-first)
	assert.False(t, sup.Sweep().Skipped)
}

func TestStartStop_Idempotent(t *testing.T) {
	_, sup, _ := setup(t)

	sup.Stop()
	assert.False(t, sup.Running())

	sup.Start()
	sup.Start()
	assert.True(t, sup.Running())

	sup.Stop()
	sup.Stop()
	assert.False(t, sup.Running())

	sup.Start()
	assert.True(t, sup.Running())
	sup.Stop()
}

func TestLoop_EvictsOnTicks(t *testing.T) {
	logger := testhelpers.DiscardLogger()
	reg := registry.New(registry.WithLogger(logger))
	sup := New(reg, 10*time.Millisecond, 25*time.Millisecond, logger)
	_, ft := add(t, reg, "a")

	sup.Start()
	defer sup.Stop()

	assert.Eventually(t, func() bool {
		return reg.Len() == 0 && ft.Terminated()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Defaults(t *testing.T) {
	sup := New(registry.New(), 0, -1, nil)
	assert.Equal(t, DefaultInterval, sup.interval)
	assert.Equal(t, DefaultTimeout, sup.timeout)
}
