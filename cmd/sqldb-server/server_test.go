package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/myuser/sqldb/internal/config"
	"github.com/myuser/sqldb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	Rows      [][]string `json:"rows"`
	Txn       string     `json:"txn"`
	Error     string     `json:"error"`
	Retryable bool       `json:"retryable"`
}

func newTestServer(t *testing.T, engine storage.Engine) (*server, *httptest.Server) {
	s := newServer(config.NewTestConfig(), storage.NewMvcc(engine))
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		s.mvcc.Close()
	})
	return s, ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, query url.Values) (int, response) {
	req, err := http.NewRequest(method, ts.URL+path+"?"+query.Encode(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func execute(t *testing.T, ts *httptest.Server, query, txn string) (int, response) {
	v := url.Values{"sql": {query}}
	if txn != "" {
		v.Set("txn", txn)
	}
	return call(t, ts, http.MethodPost, "/execute", v)
}

func TestExecuteAutoCommit(t *testing.T) {
	_, ts := newTestServer(t, storage.NewMemoryEngine())

	code, out := execute(t, ts, "INSERT INTO kv (k, v) VALUES ('a', '1'), ('b', '2')", "")
	require.Equal(t, http.StatusOK, code, out.Error)
	assert.Equal(t, [][]string{{"Inserted 2 row(s)"}}, out.Rows)

	code, out = execute(t, ts, "SELECT v FROM kv WHERE k = 'b'", "")
	require.Equal(t, http.StatusOK, code, out.Error)
	assert.Equal(t, [][]string{{"2"}}, out.Rows)

	// SQL in the body.
	resp, err := http.Post(ts.URL+"/execute", "text/plain", strings.NewReader("SELECT k FROM kv"))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, body.Rows)
}

func TestExecuteErrors(t *testing.T) {
	_, ts := newTestServer(t, storage.NewMemoryEngine())

	code, out := execute(t, ts, "SELEKT", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, out.Error)
	assert.False(t, out.Retryable)

	code, _ = execute(t, ts, "SELECT * FROM missing", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = execute(t, ts, "SELECT * FROM kv", "txn-42")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExplicitTransactions(t *testing.T) {
	_, ts := newTestServer(t, storage.NewMemoryEngine())
	_, out := execute(t, ts, "INSERT INTO kv (k, v) VALUES ('a', '1')", "")
	require.Empty(t, out.Error)

	code, t1 := call(t, ts, http.MethodPost, "/txn/begin", nil)
	require.Equal(t, http.StatusOK, code)
	_, t2 := call(t, ts, http.MethodPost, "/txn/begin", nil)
	require.NotEqual(t, t1.Txn, t2.Txn)

	code, out = execute(t, ts, "UPDATE kv SET v = '2' WHERE k = 'a'", t1.Txn)
	require.Equal(t, http.StatusOK, code, out.Error)

	code, out = execute(t, ts, "UPDATE kv SET v = '3' WHERE k = 'a'", t2.Txn)
	assert.Equal(t, http.StatusConflict, code)
	assert.True(t, out.Retryable)

	code, _ = call(t, ts, http.MethodPost, "/txn/rollback", url.Values{"txn": {t2.Txn}})
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, ts, http.MethodPost, "/txn/commit", url.Values{"txn": {t1.Txn}})
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, ts, http.MethodPost, "/txn/commit", url.Values{"txn": {t1.Txn}})
	assert.Equal(t, http.StatusNotFound, code)

	_, out = execute(t, ts, "SELECT v FROM kv", "")
	assert.Equal(t, [][]string{{"2"}}, out.Rows)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/txn/begin", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusAndCompact(t *testing.T) {
	engine, err := storage.NewLogEngine(filepath.Join(t.TempDir(), "server.log"))
	require.NoError(t, err)
	s, ts := newTestServer(t, engine)

	for i := 0; i < 20; i++ {
		_, out := execute(t, ts, "UPDATE kv SET v = 'x' WHERE k = 'a'", "")
		if i == 0 {
			// The table does not exist yet.
			require.NotEmpty(t, out.Error)
			_, out = execute(t, ts, "INSERT INTO kv (k, v) VALUES ('a', '0')", "")
		}
		require.Empty(t, out.Error)
	}

	resp, err := http.Get(ts.URL + "/debug/status")
	require.NoError(t, err)
	var before statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&before))
	resp.Body.Close()
	assert.Equal(t, "log", before.Engine.Name)
	assert.True(t, before.Engine.GarbageDiskSize > 0)
	assert.Empty(t, before.Transactions)

	resp, err = http.Post(ts.URL+"/debug/compact", "", nil)
	require.NoError(t, err)
	var after statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&after))
	resp.Body.Close()
	assert.Equal(t, uint64(0), after.Engine.GarbageDiskSize)
	assert.Equal(t, before.Engine.Keys, after.Engine.Keys)

	compacted, err := s.maybeCompact()
	require.NoError(t, err)
	assert.False(t, compacted)
}

func TestMaybeCompactThreshold(t *testing.T) {
	engine, err := storage.NewLogEngine(filepath.Join(t.TempDir(), "server.log"))
	require.NoError(t, err)
	s, _ := newTestServer(t, engine)
	s.cfg.CompactMinBytes = 1
	s.cfg.CompactGarbageRatio = 0.1

	session := s.session
	_, err = session.Execute("INSERT INTO kv (k, v) VALUES ('a', '0')")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = session.Execute("UPDATE kv SET v = 'y' WHERE k = 'a'")
		require.NoError(t, err)
	}

	compacted, err := s.maybeCompact()
	require.NoError(t, err)
	assert.True(t, compacted)
	st, err := s.mvcc.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.GarbageDiskSize)
}

func TestIdleExpiryWithoutCompaction(t *testing.T) {
	s, ts := newTestServer(t, storage.NewMemoryEngine())
	s.cfg.CompactInterval.Duration = 0
	s.cfg.TxnIdleTimeout.Duration = 20 * time.Millisecond

	_, begun := call(t, ts, http.MethodPost, "/txn/begin", nil)
	require.NotEmpty(t, begun.Txn)

	stop := make(chan struct{})
	defer close(stop)
	s.startBackground(stop)

	deadline := time.Now().Add(2 * time.Second)
	for len(s.coord.Active()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, s.coord.Active())
	code, _ := call(t, ts, http.MethodPost, "/txn/commit", url.Values{"txn": {begun.Txn}})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestIdleExpiryDisabled(t *testing.T) {
	s, _ := newTestServer(t, storage.NewMemoryEngine())
	s.cfg.TxnIdleTimeout.Duration = 0
	_, err := s.coord.Begin()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, 0, s.expireIdle())
	assert.Len(t, s.coord.Active(), 1)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, storage.NewMemoryEngine())
	execute(t, ts, "INSERT INTO kv (k, v) VALUES ('a', '1')", "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
