package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordStoreQuery(t *testing.T) {
	before := testutil.ToFloat64(StoreQueryErrors.WithLabelValues("upsert"))

	RecordStoreQuery("upsert", 3*time.Millisecond, nil)
	assert.Equal(t, before, testutil.ToFloat64(StoreQueryErrors.WithLabelValues("upsert")))

	RecordStoreQuery("upsert", 3*time.Millisecond, errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(StoreQueryErrors.WithLabelValues("upsert")))
}

func TestRecordEvent(t *testing.T) {
	before := testutil.ToFloat64(EventsPublished.WithLabelValues("presence:update"))
	RecordEvent("presence:update")
	RecordEvent("presence:update")
	assert.Equal(t, before+2, testutil.ToFloat64(EventsPublished.WithLabelValues("presence:update")))
}

func TestObserverGauges(t *testing.T) {
	SetObservers(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(ObserversConnected))
	SetObservers(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(ObserversConnected))

	before := testutil.ToFloat64(ObserversDropped)
	RecordDroppedObserver()
	assert.Equal(t, before+1, testutil.ToFloat64(ObserversDropped))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/api/active", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	matched := APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/active", "400")
	unmatched := APIRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	beforeMatched := testutil.ToFloat64(matched)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/active", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, beforeMatched+1, testutil.ToFloat64(matched))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
}
