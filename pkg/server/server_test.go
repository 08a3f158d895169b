package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/adapter"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/sync"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

var errUnimplemented = errors.New("unimplemented test func")

type mockDispatcher struct {
	ProcessWebhooksMock func(ctx context.Context, events []wicked.Event) error
	ResyncMock          func(ctx context.Context) error
}

func (m mockDispatcher) ProcessWebhooks(ctx context.Context, events []wicked.Event) error {
	if m.ProcessWebhooksMock != nil {
		return m.ProcessWebhooksMock(ctx, events)
	}
	return errUnimplemented
}

func (m mockDispatcher) Resync(ctx context.Context) error {
	if m.ResyncMock != nil {
		return m.ResyncMock(ctx)
	}
	return errUnimplemented
}

func createServer(cfg config.AdapterConfig, opts ...Option) (*Server, *adapter.Context) {
	cfg.Listener.ID = "kong-adapter"
	cfg.Listener.Url = "http://kong-adapter:3002"
	cfg.Kong.ExpectedVersion = "0.14.1"
	adapterCtx := adapter.NewContext(&cfg)
	opts = append([]Option{WithGatherer(prometheus.NewRegistry())}, opts...)
	return NewServer(adapterCtx, opts...), adapterCtx
}

func serve(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodePing(t *testing.T, rec *httptest.ResponseRecorder) pingResponse {
	health := pingResponse{}
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &health))
	return health
}

func TestPing(t *testing.T) {
	testCases := map[string]struct {
		portalAvailable bool
		kongAvailable   bool
		initialized     bool
		lastErr         error
		expectStatus    int
		expectHealthy   int
		expectMessage   string
	}{
		"waiting for both": {
			expectStatus:  http.StatusServiceUnavailable,
			expectHealthy: healthInitializing,
			expectMessage: "Initializing - Waiting for API and Kong",
		},
		"waiting for kong": {
			portalAvailable: true,
			expectStatus:    http.StatusServiceUnavailable,
			expectHealthy:   healthInitializing,
			expectMessage:   "Initializing - Waiting for Kong",
		},
		"waiting for api": {
			kongAvailable: true,
			expectStatus:  http.StatusServiceUnavailable,
			expectHealthy: healthInitializing,
			expectMessage: "Initializing - Waiting for API",
		},
		"running": {
			portalAvailable: true,
			kongAvailable:   true,
			initialized:     true,
			expectStatus:    http.StatusOK,
			expectHealthy:   healthHealthy,
			expectMessage:   "Up and running",
		},
		"last webhook load failed": {
			portalAvailable: true,
			kongAvailable:   true,
			initialized:     true,
			lastErr:         errors.New("kong went away"),
			expectStatus:    http.StatusInternalServerError,
			expectHealthy:   healthUnhealthy,
			expectMessage:   "kong went away",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			actual := ""
			s, adapterCtx := createServer(config.AdapterConfig{}, WithGatewayVersion(func() string { return actual }))
			expectStatus := ""
			if tc.kongAvailable {
				actual = "0.14.1"
				expectStatus = `{"database":{"reachable":true}}`
				adapterCtx.Availability.Mark(true, "", json.RawMessage(expectStatus))
			}
			if tc.portalAvailable {
				s.SetControlPlaneAvailable()
			}
			if tc.initialized {
				s.SetInitialized(mockDispatcher{})
			}
			s.lastErr = tc.lastErr

			rec := serve(s, http.MethodGet, "/ping", nil, nil)
			assert.Equal(t, tc.expectStatus, rec.Code)
			health := decodePing(t, rec)
			assert.Equal(t, "kong-adapter", health.Name)
			assert.Equal(t, tc.expectHealthy, health.Healthy)
			assert.Equal(t, tc.expectMessage, health.Message)
			assert.Equal(t, "http://kong-adapter:3002/ping", health.PingURL)
			assert.Equal(t, "0.14.1", health.KongVersion)
			assert.Equal(t, actual, health.ActualKongVersion)
			assert.Equal(t, expectStatus, health.KongStatus)
			assert.Equal(t, adapter.Version, health.Version)
			assert.Equal(t, tc.lastErr != nil, health.Error != "")
		})
	}
}

func TestWebhooks(t *testing.T) {
	events := []wicked.Event{{ID: "e1", Entity: "application", Action: "add", Data: map[string]interface{}{"applicationId": "app1"}}}
	body, _ := json.Marshal(events)

	testCases := map[string]struct {
		initialized  bool
		body         []byte
		err          error
		expectStatus int
		expectFatal  bool
		expectLast   bool
	}{
		"not initialized": {
			body:         body,
			expectStatus: http.StatusServiceUnavailable,
		},
		"processed": {
			initialized:  true,
			body:         body,
			expectStatus: http.StatusOK,
		},
		"failed": {
			initialized:  true,
			body:         body,
			err:          errors.New("gateway down"),
			expectStatus: http.StatusInternalServerError,
			expectLast:   true,
		},
		"invariant violation is fatal": {
			initialized:  true,
			body:         body,
			err:          fmt.Errorf("sync consumers: %w", sync.ErrInvariantViolation),
			expectStatus: http.StatusInternalServerError,
			expectFatal:  true,
			expectLast:   true,
		},
		"bad body": {
			initialized:  true,
			body:         []byte("{"),
			expectStatus: http.StatusBadRequest,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			var fatal error
			s, _ := createServer(config.AdapterConfig{}, WithFatalFunc(func(err error) { fatal = err }))
			var received []wicked.Event
			var correlation string
			if tc.initialized {
				s.SetInitialized(mockDispatcher{
					ProcessWebhooksMock: func(ctx context.Context, events []wicked.Event) error {
						received = events
						correlation = wicked.CorrelationID(ctx)
						return tc.err
					},
				})
			}

			rec := serve(s, http.MethodPost, "/", tc.body, map[string]string{correlationIDHeader: "corr-1"})
			assert.Equal(t, tc.expectStatus, rec.Code)
			assert.Equal(t, "corr-1", rec.Header().Get(correlationIDHeader))
			if tc.expectStatus == http.StatusOK {
				assert.Equal(t, "OK", rec.Body.String())
				assert.Equal(t, events, received)
				assert.Equal(t, "corr-1", correlation)
			}
			assert.Equal(t, tc.expectFatal, fatal != nil)
			assert.Equal(t, tc.expectLast, s.lastErr != nil)
			assert.False(t, s.processing)
		})
	}
}

func TestWebhooksWhileBusy(t *testing.T) {
	s, _ := createServer(config.AdapterConfig{})
	entered := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	s.SetInitialized(mockDispatcher{
		ProcessWebhooksMock: func(ctx context.Context, events []wicked.Event) error {
			calls++
			close(entered)
			<-release
			return nil
		},
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- serve(s, http.MethodPost, "/", []byte("[]"), nil)
	}()
	<-entered

	rec := serve(s, http.MethodPost, "/", []byte("[]"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	close(release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, 1, calls)
}

func TestResyncWhileBusy(t *testing.T) {
	s, _ := createServer(config.AdapterConfig{AllowResync: true})
	entered := make(chan struct{})
	release := make(chan struct{})
	resyncs := 0
	s.SetInitialized(mockDispatcher{
		ProcessWebhooksMock: func(ctx context.Context, events []wicked.Event) error {
			close(entered)
			<-release
			return nil
		},
		ResyncMock: func(ctx context.Context) error {
			resyncs++
			return nil
		},
	})

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- serve(s, http.MethodPost, "/", []byte("[]"), nil)
	}()
	<-entered

	rec := serve(s, http.MethodPost, "/resync", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, 0, resyncs)

	close(release)
	<-done

	rec = serve(s, http.MethodPost, "/resync", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resyncs)

	// a running resync blocks webhook loads the same way
	s.processing = true
	rec = serve(s, http.MethodPost, "/", []byte("[]"), nil)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCorrelationIDGenerated(t *testing.T) {
	s, _ := createServer(config.AdapterConfig{})
	rec := serve(s, http.MethodGet, "/ping", nil, nil)
	assert.NotEmpty(t, rec.Header().Get(correlationIDHeader))
}

func TestResync(t *testing.T) {
	testCases := map[string]struct {
		allow        bool
		initialized  bool
		err          error
		expectStatus int
	}{
		"not enabled": {
			initialized:  true,
			expectStatus: http.StatusNotFound,
		},
		"not initialized": {
			allow:        true,
			expectStatus: http.StatusServiceUnavailable,
		},
		"nothing changed": {
			allow:        true,
			initialized:  true,
			expectStatus: http.StatusOK,
		},
		"failed": {
			allow:        true,
			initialized:  true,
			err:          errors.New("boom"),
			expectStatus: http.StatusInternalServerError,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			s, adapterCtx := createServer(config.AdapterConfig{AllowResync: tc.allow})
			stats := adapterCtx.Statistics
			if tc.initialized {
				s.SetInitialized(mockDispatcher{
					ResyncMock: func(ctx context.Context) error {
						assert.True(t, stats.Capturing())
						stats.Record(http.MethodGet, "apis", nil)
						stats.Record(http.MethodPost, "apis", map[string]string{"name": "petstore"})
						return tc.err
					},
				})
			}

			rec := serve(s, http.MethodPost, "/resync", nil, nil)
			assert.Equal(t, tc.expectStatus, rec.Code)
			if tc.expectStatus != http.StatusOK && tc.expectStatus != http.StatusInternalServerError {
				return
			}
			result := map[string]interface{}{}
			require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &result))
			assert.Equal(t, float64(1), result["GET"])
			assert.Len(t, result["actions"], 1)
			_, hasErr := result["err"]
			assert.Equal(t, tc.err != nil, hasErr)
			assert.False(t, stats.Capturing())
		})
	}
}

func TestKill(t *testing.T) {
	killed := make(chan struct{})
	s, _ := createServer(config.AdapterConfig{AllowKill: true}, WithKillFunc(func() { close(killed) }))
	rec := serve(s, http.MethodPost, "/kill", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	select {
	case <-killed:
	case <-time.After(3 * time.Second):
		t.Fatal("kill func was not called")
	}

	s, _ = createServer(config.AdapterConfig{})
	rec = serve(s, http.MethodPost, "/kill", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "kong_adapter_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	s, _ := createServer(config.AdapterConfig{}, WithGatherer(reg))
	rec := serve(s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kong_adapter_test_total 1")
}
