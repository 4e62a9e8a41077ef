package correlate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/servicemap"
	"github.com/miradorstack/deploywatch-rca/internal/watch"
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

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2024, 12, 22, 10, 0, 0, 0, time.UTC)

func newFixture() (*Correlator, *watch.Registry, *clock) {
	clk := &clock{now: t0}
	reg := watch.NewRegistry(watch.WithClock(clk.Now))
	services := servicemap.NewStatic(map[string]servicemap.Entry{
		"checkout-api": {Repository: "acme/app", Branches: []string{"main", "hotfix"}},
	}, "", nil)
	return NewCorrelator(nil, reg, services), reg, clk
}

func event(ts time.Time) models.ErrorEvent {
	return models.NewErrorEvent("checkout-api", "KeyError: 'user_id'", "", nil, ts)
}

func TestCorrelateWithinWindow(t *testing.T) {
	c, reg, clk := newFixture()
	w := reg.Open("acme/app", "main", "c1", "dev", "", 5*time.Minute)

	clk.Set(t0.Add(time.Minute))
	result := c.Correlate(event(t0.Add(time.Minute)))
	require.True(t, result.Attributed)
	assert.Equal(t, w.ID, result.WatchID())
	assert.Equal(t, time.Minute, result.Elapsed)

	got, err := reg.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttributedErrors)
}

func TestCorrelateAfterExpiry(t *testing.T) {
	c, reg, clk := newFixture()
	w := reg.Open("acme/app", "main", "c1", "dev", "", 5*time.Minute)

	clk.Set(t0.Add(6 * time.Minute))
	result := c.Correlate(event(t0.Add(6 * time.Minute)))
	assert.False(t, result.Attributed)
	assert.Empty(t, result.WatchID())

	got, err := reg.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WatchExpired, got.Status)
	assert.Zero(t, got.AttributedErrors)
}

func TestCorrelatePrefersNewestAcrossBranches(t *testing.T) {
	c, reg, clk := newFixture()
	reg.Open("acme/app", "main", "c1", "dev", "", 5*time.Minute)
	clk.Set(t0.Add(30 * time.Second))
	hotfix := reg.Open("acme/app", "hotfix", "c2", "dev", "", 5*time.Minute)

	clk.Set(t0.Add(time.Minute))
	result := c.Correlate(event(t0.Add(time.Minute)))
	require.True(t, result.Attributed)
	assert.Equal(t, hotfix.ID, result.WatchID())
}

func TestCorrelateUnmappedService(t *testing.T) {
	c, reg, _ := newFixture()
	reg.Open("acme/app", "main", "c1", "dev", "", 5*time.Minute)

	ev := models.NewErrorEvent("search", "boom", "", nil, t0)
	assert.False(t, c.Correlate(ev).Attributed)

	ev.RepositoryHint = "acme/app"
	assert.True(t, c.Correlate(ev).Attributed)
}

func TestCorrelateCountsEachEventOnce(t *testing.T) {
	c, reg, _ := newFixture()
	w := reg.Open("acme/app", "main", "c1", "dev", "", 5*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Correlate(event(t0.Add(10 * time.Second)))
		}()
	}
	wg.Wait()

	got, err := reg.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.AttributedErrors)
}
