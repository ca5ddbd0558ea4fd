package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu       sync.Mutex
	calls    []string
	err      error
	block    chan struct{}
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeDriver) Restart(ctx context.Context, container string, timeout time.Duration) error {
	cur := f.inflight.Add(1)
	if cur > f.maxSeen.Load() {
		f.maxSeen.Store(cur)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, container)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	return f.err
}

func (f *fakeDriver) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func containers() map[string]string {
	return map[string]string{
		"payments": "payments-service",
		"worker":   "sentinel-worker",
		"redis":    "redis",
	}
}

func TestRecoverRestartsContainer(t *testing.T) {
	driver := &fakeDriver{}
	o := New(driver, containers(), map[string]bool{"redis": true}, 30*time.Second, true)

	result := o.Recover(context.Background(), "payments", 7)

	assert.True(t, result.Success)
	assert.Equal(t, "payments", result.Service)
	assert.Equal(t, "payments-service", result.Container)
	assert.Equal(t, "restart", result.Action)
	assert.EqualValues(t, 7, result.IncidentID)
	assert.Empty(t, result.Error)
	require.Equal(t, 1, driver.restartCount())
	assert.Equal(t, "payments-service", driver.calls[0])
}

func TestRecoverUnknownService(t *testing.T) {
	driver := &fakeDriver{}
	o := New(driver, containers(), nil, 30*time.Second, true)

	result := o.Recover(context.Background(), "nonsense", 1)

	assert.False(t, result.Success)
	assert.Equal(t, ErrUnknownService.Error(), result.Error)
	assert.Zero(t, driver.restartCount())
}

func TestRecoverProtectedService(t *testing.T) {
	driver := &fakeDriver{}
	o := New(driver, containers(), map[string]bool{"redis": true}, 30*time.Second, true)

	result := o.Recover(context.Background(), "redis", 2)

	assert.False(t, result.Success)
	assert.Equal(t, ErrProtected.Error(), result.Error)
	assert.Zero(t, driver.restartCount(), "protected services must never reach the driver")
}

func TestRecoverDisabled(t *testing.T) {
	driver := &fakeDriver{}
	o := New(driver, containers(), nil, 30*time.Second, false)

	result := o.Recover(context.Background(), "payments", 3)

	assert.False(t, result.Success)
	assert.Equal(t, ErrDisabled.Error(), result.Error)
	assert.Zero(t, driver.restartCount())
}

func TestRecoverDriverFailureIsResultNotPanic(t *testing.T) {
	driver := &fakeDriver{err: errors.New("exit 1: no such container")}
	o := New(driver, containers(), nil, 30*time.Second, true)

	result := o.Recover(context.Background(), "worker", 4)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no such container")
	assert.Equal(t, 1, driver.restartCount())
}

func TestRecoverSingleFlightPerService(t *testing.T) {
	driver := &fakeDriver{block: make(chan struct{})}
	o := New(driver, containers(), nil, 30*time.Second, true)

	first := make(chan Result, 1)
	go func() {
		first <- o.Recover(context.Background(), "payments", 5)
	}()

	// Wait until the first restart is actually in flight.
	require.Eventually(t, func() bool {
		return driver.inflight.Load() == 1
	}, time.Second, 5*time.Millisecond)

	second := o.Recover(context.Background(), "payments", 6)
	assert.False(t, second.Success)
	assert.Equal(t, ErrRestartInFlight.Error(), second.Error)

	// A different service is not blocked by payments' restart.
	go o.Recover(context.Background(), "worker", 7)
	require.Eventually(t, func() bool {
		return driver.inflight.Load() == 2
	}, time.Second, 5*time.Millisecond)

	close(driver.block)
	res := <-first
	assert.True(t, res.Success)
	assert.LessOrEqual(t, driver.maxSeen.Load(), int32(2))
}
