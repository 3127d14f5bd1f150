package main

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/myuser/sqldb/internal/config"
	"github.com/myuser/sqldb/internal/metrics"
	"github.com/myuser/sqldb/internal/sql"
	"github.com/myuser/sqldb/internal/storage"
	"github.com/myuser/sqldb/internal/txn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// server exposes a Mvcc store over HTTP.
type server struct {
	cfg     *config.Config
	mvcc    *storage.Mvcc
	session *sql.Session
	coord   *txn.Coordinator
}

func newServer(cfg *config.Config, mvcc *storage.Mvcc) *server {
	return &server{
		cfg:     cfg,
		mvcc:    mvcc,
		session: sql.NewSession(mvcc),
		coord:   txn.NewCoordinator(mvcc),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/txn/begin", s.handleBegin)
	mux.HandleFunc("/txn/commit", s.handleFinish(s.coord.Commit))
	mux.HandleFunc("/txn/rollback", s.handleFinish(s.coord.Rollback))
	mux.HandleFunc("/debug/compact", s.handleCompact)
	mux.HandleFunc("/debug/status", s.handleStatus)
	return mux
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusCode maps an error to the HTTP status reported to clients.
func statusCode(err error) int {
	switch errors.Cause(err) {
	case storage.ErrWriteConflict:
		return http.StatusConflict
	case txn.ErrUnknownTransaction:
		return http.StatusNotFound
	case sql.ErrParse, sql.ErrUnsupported, sql.ErrTableNotFound,
		sql.ErrColumnNotFound, sql.ErrDuplicateKey, sql.ErrColumnCount:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Retryable: storage.IsRetryable(err)})
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleExecute runs ?sql= (or the request body) in auto-commit mode, or
// inside the explicit transaction named by ?txn=.
func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("sql")
	if query == "" {
		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		query = strings.TrimSpace(string(body))
	}
	if query == "" {
		http.Error(w, "missing sql", http.StatusBadRequest)
		return
	}

	var (
		rows []sql.Row
		err  error
	)
	if id := r.URL.Query().Get("txn"); id != "" {
		rows, err = s.coord.Execute(id, query)
	} else {
		rows, err = s.session.Execute(query)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []sql.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (s *server) handleBegin(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	id, err := s.coord.Begin()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txn": id})
}

func (s *server) handleFinish(finish func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		id := r.URL.Query().Get("txn")
		if err := finish(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"txn": id})
	}
}

func (s *server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	if err := s.mvcc.Compact(); err != nil {
		writeError(w, err)
		return
	}
	s.handleStatus(w, r)
}

type statusResponse struct {
	Engine       storage.Status `json:"engine"`
	Transactions []string       `json:"transactions"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.mvcc.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Engine: st, Transactions: s.coord.Active()})
}

// maybeCompact compacts the log once enough of it is garbage.
func (s *server) maybeCompact() (bool, error) {
	st, err := s.mvcc.Status()
	if err != nil {
		return false, err
	}
	metrics.SetGarbageBytes(st.GarbageDiskSize)
	if st.TotalDiskSize == 0 || st.GarbageDiskSize < s.cfg.CompactMinBytes {
		return false, nil
	}
	if float64(st.GarbageDiskSize)/float64(st.TotalDiskSize) < s.cfg.CompactGarbageRatio {
		return false, nil
	}
	zap.L().Info("compacting log",
		zap.Uint64("garbage", st.GarbageDiskSize),
		zap.Uint64("total", st.TotalDiskSize))
	return true, s.mvcc.Compact()
}

// expireIdle rolls back explicit transactions open longer than the idle
// timeout.
func (s *server) expireIdle() int {
	timeout := s.cfg.TxnIdleTimeout.Duration
	if timeout <= 0 {
		return 0
	}
	return s.coord.ExpireIdle(timeout)
}

// runEvery calls f every interval until stop is closed. A non-positive
// interval disables it.
func runEvery(interval time.Duration, stop <-chan struct{}, f func()) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f()
			case <-stop:
				return
			}
		}
	}()
}

// startBackground runs the compaction policy and idle transaction expiry on
// their own schedules. Expiry checks at half the idle timeout.
func (s *server) startBackground(stop <-chan struct{}) {
	runEvery(s.cfg.CompactInterval.Duration, stop, func() {
		if _, err := s.maybeCompact(); err != nil {
			zap.L().Error("background compaction failed", zap.Error(err))
		}
	})
	runEvery(s.cfg.TxnIdleTimeout.Duration/2, stop, func() {
		s.expireIdle()
	})
}
