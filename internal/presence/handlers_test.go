package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(service PresenceManager) *gin.Engine {
	router := gin.New()
	NewPresenceHandlers(service, zap.NewNop()).RegisterRoutes(router.Group("/api"))
	return router
}

func doRequest(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	msg, _ := body["error"].(string)
	return msg
}

func TestLockInHandler(t *testing.T) {
	svc, _, _ := newTestService(t)
	router := newTestRouter(svc)

	t.Run("Success", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/lockin",
			`{"name":"Ann","x_handle":"ann","lat":40.7306,"lon":-73.9352}`)
		require.Equal(t, http.StatusOK, w.Code)

		var user LiveUser
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &user))
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "Ann", user.Name)
		require.NotNil(t, user.Handle)
		assert.Equal(t, "ann", *user.Handle)
		assert.Nil(t, user.PhotoURL)
		assert.True(t, user.IsActive)
	})

	t.Run("NullOptionalFieldsSerialized", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/lockin",
			`{"name":"Bo","lat":1,"lon":2}`)
		require.Equal(t, http.StatusOK, w.Code)

		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
		assert.Contains(t, raw, "photo_url")
		assert.Nil(t, raw["photo_url"])
		assert.Contains(t, raw, "updated_at")
	})

	for name, body := range map[string]string{
		"MissingName":   `{"lat":1,"lon":2}`,
		"MissingLat":    `{"name":"a","lon":2}`,
		"MissingLon":    `{"name":"a","lat":1}`,
		"NonNumericLat": `{"name":"a","lat":"north","lon":2}`,
		"MalformedJSON": `{"name":`,
		"EmptyBody":     ``,
	} {
		t.Run(name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodPost, "/api/lockin", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "name, lat, lon required", decodeError(t, w))
		})
	}
}

func TestDoneHandler(t *testing.T) {
	svc, _, pub := newTestService(t)
	router := newTestRouter(svc)

	user, err := svc.LockIn(context.Background(), lockInAt("Ann", baseLat, baseLon))
	require.NoError(t, err)

	t.Run("Success", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/done", `{"id":"`+user.ID+`"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"ok":true}`, w.Body.String())
		assert.Equal(t, "remove", pub.Events()[len(pub.Events())-1].kind)
	})

	t.Run("UnknownID", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/done", `{"id":"nope"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	})

	t.Run("MissingID", func(t *testing.T) {
		w := doRequest(t, router, http.MethodPost, "/api/done", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "id required", decodeError(t, w))
	})
}

func TestActiveHandler(t *testing.T) {
	svc, _, _ := newTestService(t)
	router := newTestRouter(svc)

	near, err := svc.LockIn(context.Background(), lockInAt("near", baseLat+0.0001, baseLon))
	require.NoError(t, err)
	far, err := svc.LockIn(context.Background(), lockInAt("far", baseLat+0.01, baseLon))
	require.NoError(t, err)

	decode := func(t *testing.T, w *httptest.ResponseRecorder) []NearbyUser {
		var users []NearbyUser
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
		return users
	}

	t.Run("AreaByDefault", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/active?lat=40.7306&lon=-73.9352", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{near.ID, far.ID}, nearbyIDs(decode(t, w)))
	})

	t.Run("NearbyFlag", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/active?lat=40.7306&lon=-73.9352&nearby=true", "")
		require.Equal(t, http.StatusOK, w.Code)

		users := decode(t, w)
		assert.Equal(t, []string{near.ID}, nearbyIDs(users))
		assert.InDelta(t, 11.12, users[0].Distance, 0.05)
	})

	t.Run("NearbyFlagOtherValue", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/active?lat=40.7306&lon=-73.9352&nearby=1", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w), 2)
	})

	t.Run("EmptyResultIsArray", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/api/active?lat=0&lon=0", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})

	t.Run("MissingPoint", func(t *testing.T) {
		for _, target := range []string{"/api/active", "/api/active?lat=1", "/api/active?lat=x&lon=1"} {
			w := doRequest(t, router, http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, w.Code, target)
			assert.Equal(t, "lat/lon required", decodeError(t, w))
		}
	})
}

func TestNearbyHandler(t *testing.T) {
	svc, _, _ := newTestService(t)
	router := newTestRouter(svc)

	near, err := svc.LockIn(context.Background(), lockInAt("near", baseLat, baseLon+0.0001))
	require.NoError(t, err)
	_, err = svc.LockIn(context.Background(), lockInAt("far", baseLat+0.001, baseLon))
	require.NoError(t, err)

	w := doRequest(t, router, http.MethodGet, "/api/nearby?lat=40.7306&lon=-73.9352", "")
	require.Equal(t, http.StatusOK, w.Code)

	var users []LiveUser
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	assert.Equal(t, []string{near.ID}, liveIDs(users))

	w = doRequest(t, router, http.MethodGet, "/api/nearby", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlersHideStorageErrors(t *testing.T) {
	router := newTestRouter(NewPresenceService(failingStore{}, nil, zap.NewNop()))

	cases := []struct {
		method, target, body, msg string
	}{
		{http.MethodPost, "/api/lockin", `{"name":"a","lat":1,"lon":2}`, "lockin failed"},
		{http.MethodPost, "/api/done", `{"id":"a"}`, "done failed"},
		{http.MethodGet, "/api/active?lat=1&lon=2", "", "query failed"},
		{http.MethodGet, "/api/nearby?lat=1&lon=2", "", "nearby failed"},
	}

	for _, tc := range cases {
		w := doRequest(t, router, tc.method, tc.target, tc.body)
		assert.Equal(t, http.StatusInternalServerError, w.Code, tc.target)
		assert.Equal(t, tc.msg, decodeError(t, w))
		assert.NotContains(t, w.Body.String(), "connection refused")
	}
}
