package assignments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/qgdispatch/core/assignment/logging"
)

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newEngine(store logging.LogStore, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewLogs(store, token).Register(r.Group("/api/assignments"))
	return r
}

func seeded(t *testing.T) logging.LogStore {
	t.Helper()
	store, err := logging.NewRotatingJSONLStore(filepath.Join(t.TempDir(), "attempts.jsonl"), logging.RotationOptions{MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, rec := range []logging.LogRecord{
		{Timestamp: base, IncidentID: "inc-1", Attempts: 2, Engaged: []string{"AA-111-AA"}},
		{Timestamp: base.Add(time.Hour), IncidentID: "inc-2", Attempts: 5, Failed: []string{"BB-222-BB"}},
		{Timestamp: base.Add(2 * time.Hour), IncidentID: "inc-3", Attempts: 1, Engaged: []string{"CC-333-CC"}},
	} {
		require.NoError(t, store.Append(context.Background(), rec))
	}
	return store
}

func get(t *testing.T, h http.Handler, query url.Values, token string) (*httptest.ResponseRecorder, []logging.LogRecord) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/assignments/logs?"+query.Encode(), nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var recs []logging.LogRecord
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	}
	return rr, recs
}

func incidents(recs []logging.LogRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.IncidentID
	}
	return out
}

func TestLogsFilters(t *testing.T) {
	h := newEngine(seeded(t), "tok")
	cases := []struct {
		name  string
		query url.Values
		want  []string
	}{
		{"all", url.Values{}, []string{"inc-1", "inc-2", "inc-3"}},
		{"immatriculation", url.Values{"immatriculation": {"BB-222-BB"}}, []string{"inc-2"}},
		{"end", url.Values{"end": {base.Add(time.Minute).Format(time.RFC3339)}}, []string{"inc-1"}},
		{"window", url.Values{"start": {base.Add(30 * time.Minute).Format(time.RFC3339)}, "end": {base.Add(90 * time.Minute).Format(time.RFC3339)}}, []string{"inc-2"}},
		{"incident", url.Values{"incident_id": {"inc-3"}}, []string{"inc-3"}},
		{"limit", url.Values{"limit": {"2"}}, []string{"inc-2", "inc-3"}},
		{"none", url.Values{"incident_id": {"missing"}}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, recs := get(t, h, tc.query, "tok")
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.Equal(t, tc.want, incidents(recs))
		})
	}
}

func TestLogsRejects(t *testing.T) {
	h := newEngine(seeded(t), "tok")

	rr, _ := get(t, h, url.Values{}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"detail":"unauthorized"}`, rr.Body.String())

	rr, _ = get(t, h, url.Values{}, "other")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	for _, q := range []url.Values{
		{"start": {"yesterday"}},
		{"limit": {"-1"}},
		{"limit": {"many"}},
		{"start": {base.Format(time.RFC3339)}, "end": {base.Add(-time.Hour).Format(time.RFC3339)}},
	} {
		rr, _ = get(t, h, q, "tok")
		assert.Equal(t, http.StatusBadRequest, rr.Code, q.Encode())
	}
}

func TestLogsDisabled(t *testing.T) {
	rr, _ := get(t, newEngine(nil, ""), url.Values{}, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type failingStore struct{ logging.LogStore }

func (failingStore) Query(context.Context, logging.LogQuery) ([]logging.LogRecord, error) {
	return nil, errors.New("disk gone")
}

func TestLogsStoreError(t *testing.T) {
	rr, _ := get(t, newEngine(failingStore{}, ""), url.Values{}, "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"detail":"internal error"}`, rr.Body.String())
}
