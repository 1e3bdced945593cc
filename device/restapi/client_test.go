package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	logins     int32
	rejectNext int32
	failNext   int32
	lock       sync.Mutex
	token      string
}

func (f *fakeAPI) currentToken() string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.token
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/login":
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := atomic.AddInt32(&f.logins, 1)
		f.lock.Lock()
		f.token = fmt.Sprintf("tok%d", n)
		f.lock.Unlock()
		_, _ = w.Write([]byte(`{"token":"` + f.currentToken() + `"}`))
	case "/api/system":
		if atomic.CompareAndSwapInt32(&f.failNext, 1, 0) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if atomic.CompareAndSwapInt32(&f.rejectNext, 1, 0) || r.Header.Get("Authorization") != "Bearer "+f.currentToken() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"KDP-4","firmware":{"version":"5.2.1"}}`))
	case "/api/echo":
		var body interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"method": r.Method, "body": body})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such endpoint"}`))
	}
}

func newTestClient(t *testing.T, f *fakeAPI, password string) *Client {
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	c, err := New(Config{
		BaseURL:   server.URL + "/",
		Username:  "admin",
		Password:  password,
		LoginPath: "/api/login",
		Retries:   2,
	})
	require.NoError(t, err)
	return c
}

func TestGetLogsInOnFirstRequest(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(t, f, "secret")

	result, err := c.Get(context.Background(), "/api/system")
	require.NoError(t, err)
	assert.Equal(t, "KDP-4", result.Get("model").String())
	assert.Equal(t, "5.2.1", result.Get("firmware.version").String())
	assert.Equal(t, "tok1", c.Token())

	_, err = c.Get(context.Background(), "/api/system")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.logins))
}

func TestRejectedTokenCausesOneRelogin(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(t, f, "secret")
	require.NoError(t, c.Login(context.Background()))

	atomic.StoreInt32(&f.rejectNext, 1)
	_, err := c.Get(context.Background(), "/api/system")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.logins))
	assert.Equal(t, "tok2", c.Token())
}

func TestServerErrorIsRetried(t *testing.T) {
	f := &fakeAPI{}
	c := newTestClient(t, f, "secret")
	c.http.RetryWaitMin, c.http.RetryWaitMax = 0, 0

	atomic.StoreInt32(&f.failNext, 1)
	result, err := c.Get(context.Background(), "/api/system")
	require.NoError(t, err)
	assert.Equal(t, "KDP-4", result.Get("model").String())
}

func TestBadCredentials(t *testing.T) {
	c := newTestClient(t, &fakeAPI{}, "wrong")
	_, err := c.Get(context.Background(), "/api/system")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestStatusError(t *testing.T) {
	c := newTestClient(t, &fakeAPI{}, "secret")
	_, err := c.Delete(context.Background(), "/api/missing")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "DELETE", se.Method)
	assert.Equal(t, `DELETE /api/missing: HTTP 404: {"error":"no such endpoint"}`, err.Error())
}

func TestBodiesAreSentAsJSON(t *testing.T) {
	c := newTestClient(t, &fakeAPI{}, "secret")
	result, err := c.Put(context.Background(), "/api/echo", map[string]interface{}{"share": "public", "size": 3})
	require.NoError(t, err)
	assert.Equal(t, "PUT", result.Get("method").String())
	assert.Equal(t, "public", result.Get("body.share").String())
	assert.Equal(t, int64(3), result.Get("body.size").Int())
}

func TestNoLoginPathSkipsAuthentication(t *testing.T) {
	server := httptest.NewServer(&fakeAPI{})
	t.Cleanup(server.Close)
	c, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)
	result, err := c.Post(context.Background(), "/api/echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "POST", result.Get("method").String())
	assert.Equal(t, "", c.Token())
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
