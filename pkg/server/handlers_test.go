package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsdb-io/nsdb/pkg/config"
	"github.com/nsdb-io/nsdb/pkg/engine"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.BasePath = ""
	cfg.WriteSchedulerInterval = config.Duration(time.Minute)
	e := engine.New(cfg, clock.NewMock(), zerolog.Nop())
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Shutdown() })
	return New(e, 5*time.Second, zerolog.Nop()), e
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCommandInsertAndQuery(t *testing.T) {
	s, e := newTestServer(t)
	router := s.Router()

	for _, stmt := range []string{
		"INSERT INTO people TS 10 DIM (name='A') VAL 1",
		"INSERT INTO people TS 20 DIM (name='B') VAL 2",
	} {
		rec := postJSON(t, router, "/commands", statementRequest{DB: "db", Namespace: "ns", Statement: stmt})
		assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	require.NoError(t, e.FlushNow("db", "ns"))

	rec := postJSON(t, router, "/query", statementRequest{
		DB: "db", Namespace: "ns",
		Statement: "SELECT * FROM people WHERE timestamp >= 10 AND timestamp <= 20",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res engine.SelectStatementExecuted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "people", res.Metric)
	assert.Len(t, res.Values, 2)
}

func TestQueryRejectsNonSelect(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Router(), "/query", statementRequest{
		DB: "db", Namespace: "ns", Statement: "DROP METRIC people",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryErrors(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	// Malformed statement.
	rec := postJSON(t, router, "/query", statementRequest{DB: "db", Namespace: "ns", Statement: "SELECT FROM"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown namespace.
	rec = postJSON(t, router, "/query", statementRequest{DB: "db", Namespace: "ns", Statement: "SELECT * FROM ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing coordinates.
	rec = postJSON(t, router, "/query", statementRequest{Statement: "SELECT * FROM m"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchemaAndMetricsEndpoints(t *testing.T) {
	s, e := newTestServer(t)
	router := s.Router()

	rec := postJSON(t, router, "/commands", statementRequest{
		DB: "db", Namespace: "ns",
		Statement: "INSERT INTO people TS 10 DIM (name='A') TAGS (city='rome') VAL 1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, e.FlushNow("db", "ns"))

	req := httptest.NewRequest(http.MethodGet, "/schema?db=db&namespace=ns&metric=people", nil)
	get := httptest.NewRecorder()
	router.ServeHTTP(get, req)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), "city")

	req = httptest.NewRequest(http.MethodGet, "/metrics?db=db&namespace=ns", nil)
	get = httptest.NewRecorder()
	router.ServeHTTP(get, req)
	require.Equal(t, http.StatusOK, get.Code)

	var metrics map[string][]string
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &metrics))
	assert.Equal(t, []string{"people"}, metrics["metrics"])
}

func TestDataEndpoint(t *testing.T) {
	s, e := newTestServer(t)
	router := s.Router()

	body := map[string]interface{}{
		"db":        "db",
		"namespace": "ns",
		"metric":    "temperatures",
		"bit": map[string]interface{}{
			"timestamp": 42,
			"value":     map[string]interface{}{"type": "float", "value": 21.5},
			"tags": map[string]interface{}{
				"room": map[string]interface{}{"type": "string", "value": "kitchen"},
			},
		},
	}
	rec := postJSON(t, router, "/data", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NoError(t, e.FlushNow("db", "ns"))

	qrec := postJSON(t, router, "/query", statementRequest{
		DB: "db", Namespace: "ns", Statement: "SELECT * FROM temperatures",
	})
	require.Equal(t, http.StatusOK, qrec.Code)
	assert.Contains(t, qrec.Body.String(), "kitchen")
}
