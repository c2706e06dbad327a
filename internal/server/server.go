package server

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/sawitdb/sawitdb/internal/engine"
)

// Version is reported in the welcome frame.
const Version = "1.0.0"

// Options configures the front-end.
type Options struct {
	Host           string
	Port           int
	DataDir        string
	Auth           map[string]string
	MaxConnections int
	QueryTimeout   time.Duration
	Pool           PoolOptions
	Logger         zerolog.Logger
}

// Server accepts line-framed JSON connections and routes statements to the
// worker pool.
type Server struct {
	opts     Options
	pool     *Pool
	auth     *Authenticator
	metrics  *metrics
	log      zerolog.Logger
	listener net.Listener
	connPool *ants.Pool
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
}

// New builds a server (not yet listening).
func New(opts Options) (*Server, error) {
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	poolOpts := opts.Pool
	poolOpts.QueryTimeout = opts.QueryTimeout
	poolOpts.Logger = opts.Logger
	pool, err := NewPool(poolOpts)
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:    opts,
		pool:    pool,
		auth:    NewAuthenticator(opts.Auth),
		metrics: newMetrics(),
		log:     opts.Logger.With().Str("component", "server").Logger(),
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 128
	}
	cp, err := ants.NewPool(maxConns, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		s.log.Error().Interface("panic", v).Msg("connection handler panic")
	}))
	if err != nil {
		pool.Stop()
		return nil, err
	}
	s.connPool = cp
	return s, nil
}

// Addr returns the bound address once Listen succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the TCP socket.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Serve accepts connections until Stop. Each connection runs on the
// bounded ants pool; an exhausted pool refuses the socket.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return err
		}
		s.metrics.connections.Inc()
		s.wg.Add(1)
		submitted := s.connPool.Submit(func() {
			defer s.wg.Done()
			s.handleConn(conn)
		})
		if submitted != nil {
			s.wg.Done()
			s.log.Warn().Msg("connection refused: handler pool exhausted")
			conn.Close()
		}
	}
}

// Stop closes the listener, waits for connections, and stops the workers.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.connPool.Release()
	s.pool.Stop()
}

// ── Connection loop ───────────────────────────────────────────────────────

type connState struct {
	conn net.Conn
	mu   sync.Mutex // serializes frame writes per socket
}

func (c *connState) send(resp Response) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(append(line, '\n'))
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	s.metrics.activeConns.Inc()
	defer s.metrics.activeConns.Dec()

	c := &connState{conn: conn}
	sess := NewSession()
	log := s.log.With().Str("session", sess.ID).Str("remote", conn.RemoteAddr().String()).Logger()

	_ = c.send(Response{Type: "welcome", Version: Version, SessionID: sess.ID,
		Message: "SawitDB ready"})

	timeout := s.opts.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for {
		// Socket inactivity beyond the query timeout closes the connection.
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if strings.Contains(err.Error(), "token too long") {
					log.Warn().Msg("inbound buffer exceeded 1 MiB without a newline; closing")
				} else {
					log.Debug().Err(err).Msg("connection closed")
				}
			}
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.metrics.errors.Inc()
			_ = c.send(errorResponse(fmt.Errorf("%w: bad JSON frame", ErrProtocol)))
			continue
		}
		resp := s.handleRequest(sess, &req, log)
		if resp.Type == "error" {
			s.metrics.errors.Inc()
		}
		if err := c.send(resp); err != nil {
			return
		}
	}
}

// ── Request dispatch ──────────────────────────────────────────────────────

func (s *Server) handleRequest(sess *Session, req *Request, log zerolog.Logger) Response {
	s.metrics.requests.WithLabelValues(req.Type).Inc()

	// Everything but auth itself requires credentials when auth is on.
	if s.auth.Enabled() && !sess.Authenticated && req.Type != "auth" {
		return errorResponse(ErrAuthRequired)
	}

	switch req.Type {
	case "auth":
		if !s.auth.Enabled() {
			sess.Authenticated = true
			return Response{Type: "auth_success", Message: "authentication disabled"}
		}
		if s.auth.Verify(req.Payload.Username, req.Payload.Password) {
			sess.Authenticated = true
			return Response{Type: "auth_success"}
		}
		log.Warn().Str("user", req.Payload.Username).Msg("authentication failed")
		return errorResponse(ErrAuth)

	case "ping":
		return Response{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}

	case "use":
		return s.handleUse(sess, req.Payload.Database)

	case "list_databases":
		return Response{Type: "database_list", Databases: s.listDatabases()}

	case "drop_database":
		return s.handleDropDatabase(sess, req.Payload.Database)

	case "stats":
		stats := s.metrics.snapshot()
		stats["pool"] = s.pool.Stats()
		return Response{Type: "stats", Stats: stats}

	case "query":
		return s.handleQuery(sess, req.Payload.Query, req.Payload.Params)

	default:
		return errorResponse(fmt.Errorf("%w: unknown request type %q", ErrProtocol, req.Type))
	}
}

func (s *Server) dbPath(name string) string {
	return filepath.Join(s.opts.DataDir, name+".sawit")
}

func (s *Server) listDatabases() []string {
	entries, err := os.ReadDir(s.opts.DataDir)
	if err != nil {
		return []string{}
	}
	var names []string
	for _, e := range entries {
		if n, ok := strings.CutSuffix(e.Name(), ".sawit"); ok && !e.IsDir() {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Server) handleUse(sess *Session, name string) Response {
	if !ValidDBName(name) {
		return errorResponse(ErrBadDBName)
	}
	sess.Database = s.dbPath(name)
	return Response{Type: "use_success", Database: name}
}

func (s *Server) handleDropDatabase(sess *Session, name string) Response {
	if !ValidDBName(name) {
		return errorResponse(ErrBadDBName)
	}
	path := s.dbPath(name)
	if err := s.pool.CloseDB(path); err != nil {
		return errorResponse(err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errorResponse(err)
	}
	os.Remove(path + ".wal")
	os.Remove(path + ".audit")
	if sess.Database == path {
		sess.Database = ""
	}
	return Response{Type: "drop_success", Database: name}
}

func (s *Server) handleQuery(sess *Session, query string, params map[string]any) Response {
	if resp, handled := s.serverLevelStatement(sess, query); handled {
		return resp
	}
	if sess.Database == "" {
		return errorResponse(ErrNoDatabase)
	}

	s.metrics.queries.Inc()
	start := time.Now()
	result, err := s.pool.Dispatch(sess.Database, func(ex *engine.Executor) (any, error) {
		return ex.Run(query, params, sess.Tx)
	})
	elapsed := time.Since(start)
	s.metrics.queryTime.Observe(elapsed.Seconds())
	if err != nil {
		return errorResponse(err)
	}
	return Response{
		Type:          "query_result",
		Result:        result,
		Query:         query,
		ExecutionTime: float64(elapsed.Microseconds()) / 1000.0,
	}
}

// ── Server-level statements ───────────────────────────────────────────────
//
// CREATE DATABASE / USE / SHOW DATABASES / DROP DATABASE (and the dialect
// forms BUAT KEBUN / GUNAKAN / TAMPILKAN KEBUN / HAPUS KEBUN) execute
// without a current database.

func (s *Server) serverLevelStatement(sess *Session, query string) (Response, bool) {
	words := strings.Fields(query)
	if len(words) == 0 || len(words) > 3 {
		return Response{}, false
	}
	norm := make([]string, len(words))
	for i, w := range words {
		up := strings.ToUpper(strings.TrimSuffix(w, ";"))
		if canon, ok := engine.ServerDialectWords[up]; ok {
			up = canon
		}
		norm[i] = up
	}

	switch {
	case len(norm) == 3 && norm[0] == "CREATE" && norm[1] == "DATABASE":
		name := strings.TrimSuffix(words[2], ";")
		if !ValidDBName(name) {
			return errorResponse(ErrBadDBName), true
		}
		path := s.dbPath(name)
		if _, err := os.Stat(path); err == nil {
			return errorResponse(fmt.Errorf("database %q already exists", name)), true
		}
		// Create the file through a worker so the catalog is seeded under
		// single-owner rules, then leave it open on that worker.
		_, err := s.pool.Dispatch(path, func(ex *engine.Executor) (any, error) {
			return nil, nil
		})
		if err != nil {
			return errorResponse(err), true
		}
		return Response{Type: "query_result", Result: fmt.Sprintf("database %q created", name), Query: query}, true

	case len(norm) == 2 && norm[0] == "USE":
		name := strings.TrimSuffix(words[1], ";")
		return s.handleUse(sess, name), true

	case len(norm) == 2 && norm[0] == "SHOW" && (norm[1] == "DATABASES" || norm[1] == "DATABASE"):
		return Response{Type: "database_list", Databases: s.listDatabases()}, true

	case len(norm) == 3 && norm[0] == "DROP" && norm[1] == "DATABASE":
		name := strings.TrimSuffix(words[2], ";")
		return s.handleDropDatabase(sess, name), true
	}
	return Response{}, false
}
