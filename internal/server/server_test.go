package server

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sawitdb/sawitdb/internal/storage"
)

func startTestServer(t *testing.T, auth map[string]string) *Server {
	t.Helper()
	srv, err := New(Options{
		Host:           "127.0.0.1",
		Port:           0,
		DataDir:        t.TempDir(),
		Auth:           auth,
		MaxConnections: 16,
		QueryTimeout:   5 * time.Second,
		Logger:         zerolog.Nop(),
		Pool: PoolOptions{
			Workers: 4,
			Storage: storage.Options{WALEnabled: true, Logger: zerolog.Nop()},
		},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
	welcome := c.read()
	require.Equal(t, "welcome", welcome.Type)
	return c
}

func (c *testClient) send(req Request) {
	line, err := json.Marshal(req)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(line, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) read() Response {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadBytes('\n')
	require.NoError(c.t, err)
	var resp Response
	require.NoError(c.t, json.Unmarshal(line, &resp))
	return resp
}

func (c *testClient) roundTrip(req Request) Response {
	c.send(req)
	return c.read()
}

func (c *testClient) query(q string) Response {
	return c.roundTrip(Request{Type: "query", Payload: RequestPayload{Query: q}})
}

func TestServer_PingAndUnknownType(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)

	pong := c.roundTrip(Request{Type: "ping"})
	require.Equal(t, "pong", pong.Type)
	require.NotEmpty(t, pong.Timestamp)

	bad := c.roundTrip(Request{Type: "frobnicate"})
	require.Equal(t, "error", bad.Type)
}

func TestServer_AuthRequired(t *testing.T) {
	users := map[string]string{"admin": HashPassword("salty", "secret")}
	srv := startTestServer(t, users)
	c := dial(t, srv)

	resp := c.query(`SHOW DATABASES`)
	require.Equal(t, "error", resp.Type)
	require.Equal(t, "Authentication required", resp.Error)

	resp = c.roundTrip(Request{Type: "auth", Payload: RequestPayload{Username: "admin", Password: "wrong"}})
	require.Equal(t, "error", resp.Type)

	resp = c.roundTrip(Request{Type: "auth", Payload: RequestPayload{Username: "admin", Password: "secret"}})
	require.Equal(t, "auth_success", resp.Type)

	resp = c.roundTrip(Request{Type: "list_databases"})
	require.Equal(t, "database_list", resp.Type)
}

func TestServer_QueryLifecycle(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)

	resp := c.query(`CREATE DATABASE app`)
	require.Equal(t, "query_result", resp.Type, resp.Error)

	resp = c.roundTrip(Request{Type: "use", Payload: RequestPayload{Database: "app"}})
	require.Equal(t, "use_success", resp.Type)

	resp = c.query(`CREATE TABLE t`)
	require.Equal(t, "query_result", resp.Type, resp.Error)
	resp = c.query(`INSERT INTO t (id, name) VALUES (1, 'A')`)
	require.Equal(t, "query_result", resp.Type, resp.Error)

	resp = c.query(`SELECT * FROM t WHERE id = 1`)
	require.Equal(t, "query_result", resp.Type, resp.Error)
	rows, ok := resp.Result.([]any)
	require.True(t, ok, "result: %#v", resp.Result)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	require.Equal(t, "A", row["name"])
	require.Equal(t, `SELECT * FROM t WHERE id = 1`, resp.Query)
	require.GreaterOrEqual(t, resp.ExecutionTime, float64(0))
}

func TestServer_QueryWithoutDatabase(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)
	resp := c.query(`SELECT * FROM t`)
	require.Equal(t, "error", resp.Type)
	require.Equal(t, ErrNoDatabase.Error(), resp.Error)
}

func TestServer_DialectServerStatements(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)

	resp := c.query(`BUAT KEBUN kebunku`)
	require.Equal(t, "query_result", resp.Type, resp.Error)

	resp = c.query(`TAMPILKAN KEBUN`)
	require.Equal(t, "database_list", resp.Type)
	require.Contains(t, resp.Databases, "kebunku")

	resp = c.query(`GUNAKAN kebunku`)
	require.Equal(t, "use_success", resp.Type)

	resp = c.query(`HAPUS KEBUN kebunku`)
	require.Equal(t, "drop_success", resp.Type)

	resp = c.query(`TAMPILKAN KEBUN`)
	require.NotContains(t, resp.Databases, "kebunku")
}

func TestServer_DatabaseNameValidation(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)
	for _, name := range []string{"../evil", "a/b", "", "x y", "dot.dot"} {
		resp := c.roundTrip(Request{Type: "use", Payload: RequestPayload{Database: name}})
		require.Equal(t, "error", resp.Type, "name %q", name)
	}
}

// S6: all queries against one database land on the worker that opened it,
// and responses come back in order per connection.
func TestServer_WorkerStickiness(t *testing.T) {
	srv := startTestServer(t, nil)

	c0 := dial(t, srv)
	require.Equal(t, "query_result", c0.query(`CREATE DATABASE db1`).Type)

	clients := []*testClient{c0, dial(t, srv)}
	for _, c := range clients {
		require.Equal(t, "use_success", c.roundTrip(Request{Type: "use", Payload: RequestPayload{Database: "db1"}}).Type)
	}
	require.Equal(t, "query_result", c0.query(`CREATE TABLE t`).Type)

	owner := srv.pool.OwnerOf(srv.dbPath("db1"))
	require.GreaterOrEqual(t, owner, 0)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			// Pipeline 10 queries, then read 10 ordered responses.
			for i := 0; i < 10; i++ {
				c.send(Request{Type: "query", Payload: RequestPayload{
					Query: `INSERT INTO t (n) VALUES (` + itoa(i) + `)`}})
			}
			for i := 0; i < 10; i++ {
				resp := c.read()
				require.Equal(c.t, "query_result", resp.Type, resp.Error)
			}
		}(c)
	}
	wg.Wait()

	require.Equal(t, owner, srv.pool.OwnerOf(srv.dbPath("db1")), "ownership must stay sticky")

	resp := c0.query(`SELECT COUNT(*) FROM t`)
	require.Equal(t, "query_result", resp.Type, resp.Error)
	require.Equal(t, float64(20), resp.Result)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestServer_StatsCounters(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)
	c.roundTrip(Request{Type: "ping"})

	resp := c.roundTrip(Request{Type: "stats"})
	require.Equal(t, "stats", resp.Type)
	stats, ok := resp.Stats.(map[string]any)
	require.True(t, ok)
	require.Contains(t, stats, "sawitdb_connections_total")
	require.Contains(t, stats, "pool")
}

func TestServer_OversizedLineClosesConnection(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dial(t, srv)

	big := make([]byte, MaxLineBytes+16)
	for i := range big {
		big[i] = 'x'
	}
	_, err := c.conn.Write(big)
	require.NoError(t, err)

	// The server must drop the connection rather than buffer forever.
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.rd.ReadBytes('\n')
	require.Error(t, err)
}

func TestAuthenticator_SaltedAndLegacy(t *testing.T) {
	a := NewAuthenticator(map[string]string{
		"alice": HashPassword("abcd1234", "s3cret"),
		"bob":   "plaintext-legacy",
	})
	require.True(t, a.Enabled())
	require.True(t, a.Verify("alice", "s3cret"))
	require.False(t, a.Verify("alice", "wrong"))
	require.True(t, a.Verify("bob", "plaintext-legacy"))
	require.False(t, a.Verify("bob", "plaintext-legacy-x"))
	require.False(t, a.Verify("carol", "anything"))
}

func TestValidDBName(t *testing.T) {
	for _, ok := range []string{"db1", "my-app_2", "X"} {
		require.True(t, ValidDBName(ok), ok)
	}
	for _, bad := range []string{"", "../x", "a b", "a.b", "a/b", "a\\b"} {
		require.False(t, ValidDBName(bad), bad)
	}
}
