package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFeedReload(t *testing.T) {
	before := testutil.ToFloat64(feedReloads.WithLabelValues("open", "error"))
	RecordFeedReload("open", 5*time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(feedReloads.WithLabelValues("open", "error")))
}

func TestFeedGauge(t *testing.T) {
	before := testutil.ToFloat64(liveFeeds)
	FeedOpened()
	FeedOpened()
	FeedClosed()
	assert.Equal(t, before+1, testutil.ToFloat64(liveFeeds))
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/groups/{id}", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups/abc", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/groups/{id}", "418")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordDuplicateUsername()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "theymissyou_users_duplicate_usernames_total"))
}
