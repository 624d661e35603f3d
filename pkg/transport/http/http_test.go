package http

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/samueltorres/rediscounter/pkg/hostinfo"
)

var testIdentity = hostinfo.Identity{Hostname: "counter-7d9f", IP: "10.1.2.3"}

func TestServer_Healthz(t *testing.T) {
	testCases := []struct {
		desc       string
		connectErr error
		pingErr    error
		wantStatus int
		wantBody   map[string]interface{}
	}{
		{
			desc:       "Store reachable",
			wantStatus: http.StatusOK,
			wantBody:   map[string]interface{}{"status": "ok"},
		},
		{
			desc:       "Store unreachable",
			connectErr: errors.New("could not connect to store: dial tcp 127.0.0.1:6379: connect: connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody: map[string]interface{}{
				"status": "down",
				"error":  "could not connect to store: dial tcp 127.0.0.1:6379: connect: connection refused",
			},
		},
		{
			desc:       "Ping fails on open connection",
			pingErr:    errors.New("LOADING Redis is loading the dataset in memory"),
			wantStatus: http.StatusInternalServerError,
			wantBody: map[string]interface{}{
				"status": "down",
				"error":  "LOADING Redis is loading the dataset in memory",
			},
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			// arrange
			store := new(storeMock)
			store.On("EnsureConnected", mock.Anything).Return(tC.connectErr)
			store.On("Ping", mock.Anything).Return(tC.pingErr)
			server := newTestServer(store)

			// act
			rr := doGet(server, "/healthz", nil)

			// assert
			assert.Equal(t, tC.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Equal(t, tC.wantBody, decodeBody(t, rr))
		})
	}
}

func TestServer_Readyz(t *testing.T) {
	testCases := []struct {
		desc       string
		connectErr error
		pingErr    error
		wantStatus int
		wantBody   map[string]interface{}
	}{
		{
			desc:       "Store reachable",
			wantStatus: http.StatusOK,
			wantBody:   map[string]interface{}{"ready": true},
		},
		{
			desc:       "Store unreachable",
			connectErr: errors.New("connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]interface{}{"ready": false},
		},
		{
			desc:       "Ping fails on open connection",
			pingErr:    errors.New("i/o timeout"),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   map[string]interface{}{"ready": false},
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			store := new(storeMock)
			store.On("EnsureConnected", mock.Anything).Return(tC.connectErr)
			store.On("Ping", mock.Anything).Return(tC.pingErr)
			server := newTestServer(store)

			rr := doGet(server, "/readyz", nil)

			assert.Equal(t, tC.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Equal(t, tC.wantBody, decodeBody(t, rr))
		})
	}
}

func TestServer_Readyz_DoesNotPingWhenConnectFails(t *testing.T) {
	store := new(storeMock)
	store.On("EnsureConnected", mock.Anything).Return(errors.New("connection refused"))
	server := newTestServer(store)

	doGet(server, "/readyz", nil)

	store.AssertNotCalled(t, "Ping", mock.Anything)
}

func TestServer_Count(t *testing.T) {
	testCases := []struct {
		desc          string
		header        http.Header
		remoteAddr    string
		wantRequestIP string
	}{
		{
			desc:          "Peer address without forwarded header",
			remoteAddr:    "192.0.2.10:53211",
			wantRequestIP: "192.0.2.10",
		},
		{
			desc:          "Forwarded header is returned as sent",
			header:        http.Header{"X-Forwarded-For": []string{"203.0.113.7, 10.0.0.1"}},
			remoteAddr:    "10.0.0.1:40000",
			wantRequestIP: "203.0.113.7, 10.0.0.1",
		},
		{
			desc:          "Peer address without port",
			remoteAddr:    "192.0.2.10",
			wantRequestIP: "192.0.2.10",
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			store := new(storeMock)
			store.On("EnsureConnected", mock.Anything).Return(nil)
			store.On("Incr", mock.Anything, "global:hits").Return(int64(42), nil)
			server := newTestServer(store)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tC.remoteAddr
			for k, v := range tC.header {
				req.Header[k] = v
			}
			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)

			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			assert.Equal(t, map[string]interface{}{
				"service":            "node-redis-counter",
				"container_ip":       "10.1.2.3",
				"container_hostname": "counter-7d9f",
				"request_ip":         tC.wantRequestIP,
				"count":              float64(42),
			}, decodeBody(t, rr))
		})
	}
}

func TestServer_Count_ConfiguredKeyAndService(t *testing.T) {
	store := new(storeMock)
	store.On("EnsureConnected", mock.Anything).Return(nil)
	store.On("Incr", mock.Anything, "tenant:a:hits").Return(int64(1), nil)
	server := New(store, newNullLogger(), prometheus.NewRegistry(),
		WithServiceName("edge-counter"),
		WithCounterKey("tenant:a:hits"),
		WithResolver(func() hostinfo.Identity { return testIdentity }))

	rr := doGet(server, "/", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "edge-counter", decodeBody(t, rr)["service"])
	store.AssertExpectations(t)
}

func TestServer_Count_Errors(t *testing.T) {
	testCases := []struct {
		desc       string
		connectErr error
		incrErr    error
		wantError  string
	}{
		{
			desc:       "Store unreachable",
			connectErr: errors.New("connection refused"),
			wantError:  "connection refused",
		},
		{
			desc:      "Increment fails",
			incrErr:   errors.New("WRONGTYPE Operation against a key holding the wrong kind of value"),
			wantError: "WRONGTYPE Operation against a key holding the wrong kind of value",
		},
	}
	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			store := new(storeMock)
			store.On("EnsureConnected", mock.Anything).Return(tC.connectErr)
			store.On("Incr", mock.Anything, "global:hits").Return(int64(0), tC.incrErr)
			server := newTestServer(store)

			rr := doGet(server, "/", nil)

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, map[string]interface{}{"error": tC.wantError}, decodeBody(t, rr))
		})
	}
}

func TestServer_Count_Sequential(t *testing.T) {
	server := newTestServer(newInMemStore())

	for want := 1; want <= 10; want++ {
		rr := doGet(server, "/", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		body := decodeBody(t, rr)
		assert.Len(t, body, 5)
		assert.Equal(t, float64(want), body["count"])
	}
}

func TestServer_Count_Concurrent(t *testing.T) {
	store := newInMemStore()
	server := newTestServer(store)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				doGet(server, "/", nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), store.counters["global:hits"])
}

func TestServer_UnknownRoute(t *testing.T) {
	server := newTestServer(new(storeMock))

	rr := doGet(server, "/metrics", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_StartStop_DrainsInFlightRequests(t *testing.T) {
	// arrange
	store := newInMemStore()
	store.delay = 200 * time.Millisecond
	server := newTestServer(store)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errch := make(chan error)
	go func() {
		errch <- server.Serve(ln)
	}()

	// act
	respch := make(chan int)
	go func() {
		res, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			respch <- 0
			return
		}
		res.Body.Close()
		respch <- res.StatusCode
	}()

	time.Sleep(50 * time.Millisecond)
	server.Stop(nil)

	// assert
	assert.Equal(t, http.StatusOK, <-respch)
	assert.NoError(t, <-errch)
}

func TestServer_Start_InvalidAddress(t *testing.T) {
	server := New(new(storeMock), newNullLogger(), prometheus.NewRegistry(), WithListen("not-an-address"))

	assert.Error(t, server.Start())
}

func TestDebugServer_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	store := newInMemStore()
	server := New(store, newNullLogger(), registry, WithResolver(func() hostinfo.Identity { return testIdentity }))
	doGet(server, "/", nil)

	debug := NewDebugServer(registry, newNullLogger(), ":0")
	rr := httptest.NewRecorder()
	debug.server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_request_total{handler="count",method="GET",status="200"} 1`)
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newMetricsMiddleware(registry)
	h := m.Handler("readyz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil), nil)

	got := testutil.ToFloat64(m.requestCounter.WithLabelValues("readyz", http.MethodGet, "503"))
	assert.Equal(t, float64(1), got)
}

func newTestServer(store Store) *Server {
	return New(store, newNullLogger(), prometheus.NewRegistry(),
		WithResolver(func() hostinfo.Identity { return testIdentity }))
}

func doGet(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func newNullLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	return logger
}

type storeMock struct {
	mock.Mock
}

func (s *storeMock) EnsureConnected(ctx context.Context) error {
	args := s.Called(ctx)
	return args.Error(0)
}

func (s *storeMock) Ping(ctx context.Context) error {
	args := s.Called(ctx)
	return args.Error(0)
}

func (s *storeMock) Incr(ctx context.Context, key string) (int64, error) {
	args := s.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

type inmemStore struct {
	mux      sync.Mutex
	counters map[string]int64
	delay    time.Duration
}

func newInMemStore() *inmemStore {
	return &inmemStore{counters: make(map[string]int64)}
}

func (s *inmemStore) EnsureConnected(ctx context.Context) error {
	return nil
}

func (s *inmemStore) Ping(ctx context.Context) error {
	return nil
}

func (s *inmemStore) Incr(ctx context.Context, key string) (int64, error) {
	time.Sleep(s.delay)

	s.mux.Lock()
	defer s.mux.Unlock()

	s.counters[key]++
	return s.counters[key], nil
}
