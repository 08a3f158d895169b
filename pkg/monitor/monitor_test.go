package monitor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong/kongtest"
)

func createMonitor(t *testing.T, maxFailures int) (*Monitor, *kongtest.Server, *kong.Availability, *int) {
	gateway := kongtest.NewServer()
	t.Cleanup(gateway.Close)
	cfg := config.KongConfig{
		Admin:           config.KongAdminConfig{Url: gateway.URL},
		ExpectedVersion: "0.14.1",
		Monitor:         config.KongMonitorConfig{Interval: 10 * time.Millisecond, MaxFailures: maxFailures},
	}
	availability := kong.NewAvailability()
	client, err := kong.NewKongClient(&http.Client{}, &cfg, kong.WithAvailability(availability))
	require.Nil(t, err)
	exits := 0
	m := NewMonitor(client, availability, cfg, WithExitFunc(func() { exits++ }))
	return m, gateway, availability, &exits
}

func TestProbe(t *testing.T) {
	testCases := map[string]struct {
		version   string
		noDB      bool
		failRoot  bool
		expectErr string
	}{
		"healthy": {
			version: "0.14.1",
		},
		"wrong version": {
			version:   "1.0.0",
			expectErr: "unexpected kong version",
		},
		"no version": {
			version:   "",
			expectErr: "version",
		},
		"no database": {
			version:   "0.14.1",
			noDB:      true,
			expectErr: "database",
		},
		"unreachable": {
			version:   "0.14.1",
			failRoot:  true,
			expectErr: "500",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			m, gateway, availability, exits := createMonitor(t, 2)
			gateway.SetVersion(tc.version)
			gateway.SetDatabase(!tc.noDB)
			if tc.failRoot {
				gateway.Fail(http.MethodGet, "/", http.StatusInternalServerError)
			}

			err := m.Init(context.TODO())
			available, message := availability.Available()
			if tc.expectErr == "" {
				require.Nil(t, err)
				assert.True(t, available)
				assert.Equal(t, "0.14.1", m.Version())
				assert.Contains(t, string(availability.ClusterStatus()), "database")
				return
			}
			require.NotNil(t, err)
			assert.Contains(t, err.Error(), tc.expectErr)
			assert.False(t, available)
			assert.Equal(t, err.Error(), message)
			assert.Equal(t, 0, *exits)
		})
	}
}

func TestConsecutiveFailures(t *testing.T) {
	m, gateway, availability, exits := createMonitor(t, 2)
	require.Nil(t, m.Probe(context.TODO()))

	gateway.SetDatabase(false)
	assert.NotNil(t, m.Probe(context.TODO()))
	assert.Equal(t, 0, *exits)

	// a good probe in between resets the count
	gateway.SetDatabase(true)
	require.Nil(t, m.Probe(context.TODO()))
	available, _ := availability.Available()
	assert.True(t, available)

	gateway.SetDatabase(false)
	assert.NotNil(t, m.Probe(context.TODO()))
	assert.NotNil(t, m.Probe(context.TODO()))
	assert.Equal(t, 1, *exits)
}

func TestRun(t *testing.T) {
	m, gateway, availability, _ := createMonitor(t, 5)
	require.Nil(t, m.Init(context.TODO()))
	gateway.SetVersion("2.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		available, _ := availability.Available()
		return !available
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
