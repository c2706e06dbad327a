package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawitdb/sawitdb/internal/engine"
	"github.com/sawitdb/sawitdb/internal/storage"
)

func newTestPool(t *testing.T, workers int, timeout time.Duration) (*Pool, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPool(PoolOptions{
		Workers:      workers,
		QueryTimeout: timeout,
		Storage:      storage.Options{WALEnabled: true, Logger: zerolog.Nop()},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, dir
}

func TestPool_DispatchOpensAndRuns(t *testing.T) {
	p, dir := newTestPool(t, 2, time.Second)
	path := filepath.Join(dir, "a.sawit")

	res, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) {
		return ex.Run(`CREATE TABLE t`, nil, nil)
	})
	require.NoError(t, err)
	require.Contains(t, res.(string), "created")
}

func TestPool_StickyRouting(t *testing.T) {
	p, dir := newTestPool(t, 4, time.Second)
	path := filepath.Join(dir, "sticky.sawit")

	_, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) { return nil, nil })
	require.NoError(t, err)
	owner := p.OwnerOf(path)
	require.GreaterOrEqual(t, owner, 0)

	for i := 0; i < 20; i++ {
		_, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) { return nil, nil })
		require.NoError(t, err)
		require.Equal(t, owner, p.OwnerOf(path))
	}
}

func TestPool_LeastBusyAvoidsLoadedWorker(t *testing.T) {
	p, dir := newTestPool(t, 2, 2*time.Second)
	busy := filepath.Join(dir, "busy.sawit")
	idle := filepath.Join(dir, "idle.sawit")

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Dispatch(busy, func(ex *engine.Executor) (any, error) {
			<-release
			return nil, nil
		})
	}()

	// Wait until the busy task occupies its worker.
	for i := 0; i < 100 && p.OwnerOf(busy) < 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	busyOwner := p.OwnerOf(busy)
	require.GreaterOrEqual(t, busyOwner, 0)

	_, err := p.Dispatch(idle, func(ex *engine.Executor) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.NotEqual(t, busyOwner, p.OwnerOf(idle), "new path must route to the less busy worker")

	close(release)
	<-done
}

func TestPool_DispatchTimeout(t *testing.T) {
	p, dir := newTestPool(t, 1, 50*time.Millisecond)
	path := filepath.Join(dir, "slow.sawit")

	_, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPool_WorkerCrashRespawns(t *testing.T) {
	p, dir := newTestPool(t, 1, time.Second)
	path := filepath.Join(dir, "crash.sawit")

	_, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) {
		panic("statement blew up")
	})
	require.ErrorIs(t, err, ErrWorkerCrash)

	// The worker respawns and keeps serving; ownership was released by the
	// crash, so the path is re-opened cleanly.
	time.Sleep(50 * time.Millisecond)
	res, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) {
		return ex.Run(`CREATE TABLE t`, nil, nil)
	})
	require.NoError(t, err)
	require.Contains(t, res.(string), "created")
}
