package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/sawitdb/sawitdb/internal/engine"
	"github.com/sawitdb/sawitdb/internal/storage"
)

// ───────────────────────────────────────────────────────────────────────────
// Worker pool
// ───────────────────────────────────────────────────────────────────────────
//
// Workers run on an ants goroutine pool. Each worker owns a map of database
// path → open handle; routing is sticky by path (once a worker opens a
// file, every later query for that file goes to it), refined by least-busy
// with ties broken by lowest id for paths nobody owns yet. Dispatch futures
// carry a deadline: on expiry the caller gets a timeout and the result is
// discarded, but the worker is never interrupted mid-statement.

const workerQueueDepth = 256

type taskResult struct {
	val any
	err error
}

type task struct {
	path string
	run  func(ex *engine.Executor) (any, error)
	resp chan taskResult
}

type worker struct {
	id     int
	tasks  chan *task
	execs  map[string]*engine.Executor
	active int // guarded by pool.mu
}

// PoolOptions configures the worker pool.
type PoolOptions struct {
	Workers      int // 0 = NumCPU (applied by caller)
	QueryTimeout time.Duration
	Storage      storage.Options // template: Path is filled per database
	QueryCache   int
	Logger       zerolog.Logger
}

// Pool routes database work to owning workers.
type Pool struct {
	mu      sync.Mutex
	workers []*worker
	owners  map[string]int // path → worker id
	ap      *ants.Pool
	opts    PoolOptions
	log     zerolog.Logger
	stopped bool
}

// NewPool starts n workers on an ants pool.
func NewPool(opts PoolOptions) (*Pool, error) {
	n := opts.Workers
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		owners: make(map[string]int),
		opts:   opts,
		log:    opts.Logger.With().Str("component", "pool").Logger(),
	}
	ap, err := ants.NewPool(n, ants.WithPanicHandler(func(v any) {
		p.log.Error().Interface("panic", v).Msg("worker pool panic")
	}))
	if err != nil {
		return nil, err
	}
	p.ap = ap
	for i := 0; i < n; i++ {
		w := &worker{id: i, tasks: make(chan *task, workerQueueDepth), execs: make(map[string]*engine.Executor)}
		p.workers = append(p.workers, w)
		if err := p.spawn(w); err != nil {
			ap.Release()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) spawn(w *worker) error {
	return p.ap.Submit(func() { p.runWorker(w) })
}

// runWorker drains the worker's queue. A panic inside a statement counts as
// a worker crash: the in-flight and queued tasks are rejected, the worker's
// databases are closed, its ownerships are released, and a fresh loop is
// respawned on the same queue.
func (p *Pool) runWorker(w *worker) {
	var cur *task
	defer func() {
		if v := recover(); v != nil {
			p.log.Error().Int("worker", w.id).Interface("panic", v).Msg("worker crashed")
			if cur != nil {
				cur.resp <- taskResult{err: ErrWorkerCrash}
			}
			p.crashRecover(w)
		}
	}()
	for t := range w.tasks {
		cur = t
		ex, err := p.executorFor(w, t.path)
		if err != nil {
			t.resp <- taskResult{err: err}
			continue
		}
		val, err := t.run(ex)
		t.resp <- taskResult{val: val, err: err}
		cur = nil
	}
}

func (p *Pool) crashRecover(w *worker) {
	// Reject everything still queued.
	for {
		select {
		case t := <-w.tasks:
			t.resp <- taskResult{err: ErrWorkerCrash}
		default:
			goto drained
		}
	}
drained:
	p.mu.Lock()
	for path, id := range p.owners {
		if id == w.id {
			delete(p.owners, path)
		}
	}
	stopped := p.stopped
	p.mu.Unlock()

	for path, ex := range w.execs {
		if err := ex.DB().Close(); err != nil {
			p.log.Warn().Str("db", path).Err(err).Msg("close after crash failed")
		}
		delete(w.execs, path)
	}
	if !stopped {
		// Submit from a fresh goroutine: this one still holds the ants slot
		// the new loop needs, and it frees the slot once it returns.
		go func() {
			if err := p.spawn(w); err != nil {
				p.log.Error().Int("worker", w.id).Err(err).Msg("respawn failed")
			}
		}()
	}
}

// executorFor opens (or returns) the worker's handle for a database path.
func (p *Pool) executorFor(w *worker, path string) (*engine.Executor, error) {
	if ex, ok := w.execs[path]; ok {
		return ex, nil
	}
	opts := p.opts.Storage
	opts.Path = path
	db, err := storage.Open(opts)
	if err != nil {
		return nil, err
	}
	ex := engine.NewExecutor(db, engine.NewQueryCache(p.opts.QueryCache))
	ex.RestoreFn = func(file string) error {
		if err := db.Close(); err != nil {
			return err
		}
		delete(w.execs, path)
		if err := storage.RestoreFile(file, path); err != nil {
			return err
		}
		// The next statement reopens lazily.
		return nil
	}
	w.execs[path] = ex
	p.log.Info().Int("worker", w.id).Str("db", path).Msg("database opened")
	return ex, nil
}

// workerFor applies the routing policy: sticky by path, else least-busy
// with ties to the lowest id.
func (p *Pool) workerFor(path string) *worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.owners[path]; ok {
		p.workers[id].active++
		return p.workers[id]
	}
	best := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.active < best.active {
			best = w
		}
	}
	p.owners[path] = best.id
	best.active++
	return best
}

func (p *Pool) release(w *worker) {
	p.mu.Lock()
	w.active--
	p.mu.Unlock()
}

// Dispatch runs fn on the worker owning path, waiting up to the query
// timeout. On expiry the pending future is abandoned: the worker finishes
// the statement eventually and its result is discarded.
func (p *Pool) Dispatch(path string, fn func(ex *engine.Executor) (any, error)) (any, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, fmt.Errorf("server shutting down")
	}
	p.mu.Unlock()

	w := p.workerFor(path)
	defer p.release(w)

	t := &task{path: path, run: fn, resp: make(chan taskResult, 1)}
	select {
	case w.tasks <- t:
	default:
		return nil, fmt.Errorf("worker %d queue full", w.id)
	}

	timeout := p.opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-t.resp:
		return r.val, r.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// CloseDB closes a database handle on its owning worker and releases the
// ownership, so the path can be reopened elsewhere (or dropped).
func (p *Pool) CloseDB(path string) error {
	p.mu.Lock()
	id, owned := p.owners[path]
	p.mu.Unlock()
	if !owned {
		return nil
	}
	_, err := p.Dispatch(path, func(ex *engine.Executor) (any, error) {
		w := p.workers[id]
		if cur, ok := w.execs[path]; ok {
			delete(w.execs, path)
			return nil, cur.DB().Close()
		}
		return nil, nil
	})
	p.mu.Lock()
	delete(p.owners, path)
	p.mu.Unlock()
	return err
}

// OwnerOf reports which worker owns a path (-1 when unowned). Used by
// stats and tests.
func (p *Pool) OwnerOf(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.owners[path]; ok {
		return id
	}
	return -1
}

// Stats summarizes routing state.
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := make([]int, len(p.workers))
	for i, w := range p.workers {
		active[i] = w.active
	}
	return map[string]any{
		"workers":      len(p.workers),
		"activeTasks":  active,
		"ownedPaths":   len(p.owners),
		"antsRunning":  p.ap.Running(),
		"antsCapacity": p.ap.Cap(),
	}
}

// Stop drains the pool: queues close, workers exit after finishing their
// current statement, databases close.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for _, w := range p.workers {
		close(w.tasks)
	}
	_ = p.ap.ReleaseTimeout(5 * time.Second)
	for _, w := range p.workers {
		for path, ex := range w.execs {
			if err := ex.DB().Close(); err != nil {
				p.log.Warn().Str("db", path).Err(err).Msg("close on stop failed")
			}
		}
	}
}
