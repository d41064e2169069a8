package dispatch

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kong/adb-failover-client/internal/fakedriver"
	"github.com/kong/adb-failover-client/pkg/endpoint"
	"github.com/kong/adb-failover-client/pkg/pool"
	"github.com/kong/adb-failover-client/pkg/registry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testPoolConfig() *pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MaxActive = 2
	cfg.InitialSize = 1
	cfg.MinIdle = 0
	cfg.MaxWait = time.Second
	cfg.EvictionScanInterval = time.Hour
	cfg.ValidationQuery = fakedriver.ValidationQuery
	return cfg
}

type testEnv struct {
	registry   *registry.Registry
	dispatcher *Dispatcher
	drivers    map[string]*fakedriver.Driver
	logs       *observer.ObservedLogs
}

// setup builds a registry over one fake driver per name, in the given order.
func setup(t *testing.T, cfg *pool.Config, names ...string) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testPoolConfig()
	}
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	drivers := make(map[string]*fakedriver.Driver, len(names))
	specs := make([]endpoint.Spec, 0, len(names))
	for _, n := range names {
		drivers[n] = fakedriver.New()
		specs = append(specs, endpoint.Spec{Name: n, URL: "mysql://" + n + ":3306/ads", Username: "u", Credential: "p"})
	}
	r, err := registry.New(context.Background(), specs, logger,
		registry.WithPoolConfig(cfg),
		registry.WithConnector(func(spec endpoint.Spec) (driver.Connector, error) {
			return drivers[spec.Name], nil
		}))
	require.NoError(t, err)
	t.Cleanup(r.Close)

	return &testEnv{
		registry:   r,
		dispatcher: New(r, logger),
		drivers:    drivers,
		logs:       logs,
	}
}

// unreachable makes every acquire on the endpoint fail its handshake.
func (env *testEnv) unreachable(t *testing.T, name string) {
	t.Helper()
	env.drivers[name].SetOpenErr(errors.New("dial tcp: connection refused"))
	p, ok := env.registry.Lookup(name)
	require.True(t, ok)
	p.Reset()
}

func (env *testEnv) failedEndpoints() []string {
	var names []string
	for _, e := range env.logs.FilterMessage("QUERY_FAILED_ON_ENDPOINT").All() {
		names = append(names, e.ContextMap()["database"].(string))
	}
	return names
}

func (env *testEnv) requireNoneInUse(t *testing.T) {
	t.Helper()
	for _, s := range env.registry.Stats() {
		require.Equal(t, 0, s.InUse, "endpoint %s", s.Name)
	}
}

func collect(out *[]int64) RowHandler {
	return func(_ context.Context, rows *sql.Rows) error {
		for rows.Next() {
			var v int64
			if err := rows.Scan(&v); err != nil {
				return err
			}
			*out = append(*out, v)
		}
		return rows.Err()
	}
}

func TestSingleHealthyEndpoint(t *testing.T) {
	env := setup(t, nil, "A")

	var got []int64
	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(&got))
	require.NoError(t, err)
	require.Equal(t, "A", served)
	require.Equal(t, []int64{1}, got)

	require.Equal(t, 1, env.logs.FilterMessage("ENDPOINT_REGISTER").Len())
	require.Equal(t, 0, env.logs.FilterMessage("QUERY_FAILED_ON_ENDPOINT").Len())
	require.Equal(t, 0, env.logs.FilterMessage("QUERY_FAILED_ON_ALL_ENDPOINTS").Len())
	env.requireNoneInUse(t)
}

func TestQueryIsNotPrepared(t *testing.T) {
	env := setup(t, nil, "A")

	_, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(new([]int64)))
	require.NoError(t, err)
	stats := env.drivers["A"].Stats()
	require.Contains(t, stats.Queries, "SELECT 1")
	require.Equal(t, 0, stats.Prepared)
}

func TestFirstFailsSecondSucceeds(t *testing.T) {
	env := setup(t, nil, "A", "B")
	env.unreachable(t, "A")

	var got []int64
	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(&got))
	require.NoError(t, err)
	require.Equal(t, "B", served)
	require.Equal(t, []int64{1}, got)

	require.Equal(t, []string{"A"}, env.failedEndpoints())
	failure := env.logs.FilterMessage("QUERY_FAILED_ON_ENDPOINT").All()[0]
	require.Contains(t, failure.ContextMap()["error"], "connection refused")
	require.Equal(t, 0, env.logs.FilterMessage("QUERY_FAILED_ON_ALL_ENDPOINTS").Len())
	env.requireNoneInUse(t)
}

func TestAllEndpointsFail(t *testing.T) {
	env := setup(t, nil, "A", "B")
	env.unreachable(t, "A")
	env.unreachable(t, "B")

	called := false
	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1",
		func(context.Context, *sql.Rows) error {
			called = true
			return nil
		})
	require.ErrorIs(t, err, ErrAllEndpointsFailed)
	require.NotErrorIs(t, err, ErrNoEndpointsConfigured)
	require.Empty(t, served)
	require.False(t, called)

	require.Equal(t, []string{"A", "B"}, env.failedEndpoints())
	require.Equal(t, 1, env.logs.FilterMessage("QUERY_FAILED_ON_ALL_ENDPOINTS").Len())
	env.requireNoneInUse(t)
}

func TestHandlerErrorFailsOver(t *testing.T) {
	env := setup(t, nil, "A", "B")

	var calls int
	handlerErr := errors.New("unexpected column")
	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1",
		func(_ context.Context, rows *sql.Rows) error {
			calls++
			if calls == 1 {
				return handlerErr
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, "B", served)
	require.Equal(t, 2, calls)
	require.Equal(t, []string{"A"}, env.failedEndpoints())
	env.requireNoneInUse(t)

	// a handler error does not condemn the connection
	a, _ := env.registry.Lookup("A")
	require.Equal(t, 1, a.Stat().Idle)
	require.Equal(t, int64(0), a.Stat().ClosedInvalid)
}

func TestHandlerErrorIsQueryFailure(t *testing.T) {
	env := setup(t, nil, "A")

	_, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1",
		func(context.Context, *sql.Rows) error { return errors.New("boom") })
	require.ErrorIs(t, err, ErrAllEndpointsFailed)

	failure := env.logs.FilterMessage("QUERY_FAILED_ON_ENDPOINT").All()[0]
	require.Contains(t, failure.ContextMap()["error"], ErrHandler.Error())
	require.Contains(t, failure.ContextMap()["error"], "boom")
}

func TestQueryErrorInvalidatesConnection(t *testing.T) {
	env := setup(t, nil, "A", "B")
	env.drivers["A"].SetQueryErr(errors.New("table not found"))

	var got []int64
	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(&got))
	require.NoError(t, err)
	require.Equal(t, "B", served)

	a, _ := env.registry.Lookup("A")
	stat := a.Stat()
	require.Equal(t, int64(1), stat.ClosedInvalid)
	require.Equal(t, 0, stat.Total)
	require.Equal(t, 0, env.drivers["A"].Stats().Live)
	env.requireNoneInUse(t)
}

func TestOrderIsStrictPrefix(t *testing.T) {
	env := setup(t, nil, "e1", "e2", "e3", "e4")
	env.unreachable(t, "e1")
	env.drivers["e2"].SetQueryErr(errors.New("syntax error"))

	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(new([]int64)))
	require.NoError(t, err)
	require.Equal(t, "e3", served)
	require.Equal(t, []string{"e1", "e2"}, env.failedEndpoints())
	require.Contains(t, env.drivers["e3"].Stats().Queries, "SELECT 1")
	require.NotContains(t, env.drivers["e4"].Stats().Queries, "SELECT 1")
	env.requireNoneInUse(t)
}

func TestConcurrentDispatchUnderPoolCap(t *testing.T) {
	env := setup(t, nil, "A")
	env.drivers["A"].SetQueryDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(new([]int64)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.LessOrEqual(t, env.drivers["A"].Stats().MaxInFlight, 2)
	require.LessOrEqual(t, env.drivers["A"].Stats().MaxLive, 2)
	a, _ := env.registry.Lookup("A")
	require.Equal(t, int64(0), a.Stat().ExhaustedCount)
	require.Greater(t, a.Stat().EmptyAcquireCount, int64(0))
	env.requireNoneInUse(t)
}

func TestAbandonedConnectionFailsOver(t *testing.T) {
	cfg := testPoolConfig()
	cfg.EvictionScanInterval = 10 * time.Millisecond
	cfg.RemoveAbandonedTimeout = 50 * time.Millisecond
	env := setup(t, cfg, "A", "B")

	var calls int32
	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1",
		func(ctx context.Context, rows *sql.Rows) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				// hang until the pool reclaims the connection
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, "B", served)

	require.Equal(t, []string{"A"}, env.failedEndpoints())
	failure := env.logs.FilterMessage("QUERY_FAILED_ON_ENDPOINT").All()[0]
	require.Contains(t, failure.ContextMap()["error"], "abandoned")

	abandoned := env.logs.FilterMessage("ABANDONED_CONNECTION_REMOVED").All()
	require.Len(t, abandoned, 1)
	require.Equal(t, "A", abandoned[0].ContextMap()["database"])

	a, _ := env.registry.Lookup("A")
	require.Equal(t, int64(1), a.Stat().ClosedAbandoned)
	env.requireNoneInUse(t)
}

func TestEmptyRegistry(t *testing.T) {
	env := setup(t, nil)

	served, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(new([]int64)))
	require.ErrorIs(t, err, ErrNoEndpointsConfigured)
	require.ErrorIs(t, err, ErrAllEndpointsFailed)
	require.Empty(t, served)
	require.Equal(t, 1, env.logs.Len())
	require.Equal(t, 1, env.logs.FilterMessage("QUERY_FAILED_ON_ALL_ENDPOINTS").Len())
}

func TestCancelledContextStopsFailover(t *testing.T) {
	env := setup(t, nil, "A", "B")
	env.drivers["A"].SetQueryDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := env.dispatcher.ExecuteQuery(ctx, "SELECT 1", collect(new([]int64)))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Empty(t, env.failedEndpoints())
	require.Equal(t, 0, env.logs.FilterMessage("QUERY_FAILED_ON_ALL_ENDPOINTS").Len())
	require.NotContains(t, env.drivers["B"].Stats().Queries, "SELECT 1")
	env.requireNoneInUse(t)
}

func TestClosedRegistry(t *testing.T) {
	env := setup(t, nil, "A")
	env.registry.Close()

	_, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(new([]int64)))
	require.ErrorIs(t, err, registry.ErrRegistryClosed)
}

func TestHandlerPanicReleasesConnection(t *testing.T) {
	env := setup(t, nil, "A", "B")

	require.Panics(t, func() {
		_, _ = env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1",
			func(context.Context, *sql.Rows) error { panic("handler bug") })
	})
	require.Empty(t, env.failedEndpoints())
	env.requireNoneInUse(t)
}

func TestNoLeakAcrossOutcomes(t *testing.T) {
	env := setup(t, nil, "A", "B")
	handlers := []RowHandler{
		collect(new([]int64)),
		func(context.Context, *sql.Rows) error { return errors.New("boom") },
		func(context.Context, *sql.Rows) error { return nil },
	}
	for _, h := range handlers {
		_, _ = env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", h)
		env.requireNoneInUse(t)
	}
	env.drivers["A"].SetQueryErr(errors.New("lost connection"))
	env.drivers["B"].SetQueryErr(errors.New("lost connection"))
	_, err := env.dispatcher.ExecuteQuery(context.Background(), "SELECT 1", collect(new([]int64)))
	require.ErrorIs(t, err, ErrAllEndpointsFailed)
	env.requireNoneInUse(t)
}
