package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

func TestUrls(t *testing.T) {
	testCases := map[string]struct {
		cfg          config.AdapterConfig
		globals      *wicked.Globals
		expectAdmin  string
		expectListen string
	}{
		"from globals": {
			cfg: config.AdapterConfig{Listener: config.AdapterListenerConfig{ID: "kong-adapter"}},
			globals: &wicked.Globals{Network: wicked.NetworkGlobals{
				KongAdminUrl:   "http://kong:8001",
				KongAdapterUrl: "http://kong-adapter:3002",
			}},
			expectAdmin:  "http://kong:8001",
			expectListen: "http://kong-adapter:3002/",
		},
		"configured wins": {
			cfg: config.AdapterConfig{
				Listener: config.AdapterListenerConfig{ID: "kong-adapter", Url: "http://localhost:3002/"},
				Kong:     config.KongConfig{Admin: config.KongAdminConfig{Url: "https://kong:8444"}},
			},
			globals: &wicked.Globals{Network: wicked.NetworkGlobals{
				KongAdminUrl:   "http://kong:8001",
				KongAdapterUrl: "http://kong-adapter:3002",
			}},
			expectAdmin:  "https://kong:8444",
			expectListen: "http://localhost:3002/",
		},
		"no globals yet": {
			cfg: config.AdapterConfig{Listener: config.AdapterListenerConfig{ID: "kong-adapter"}},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := tc.cfg
			c := NewContext(&cfg)
			c.SetGlobals(tc.globals)
			assert.Equal(t, tc.expectAdmin, c.AdminURL())
			assert.Equal(t, tc.expectListen, c.ListenerURL())
			assert.Equal(t, wicked.WebhookListener{ID: "kong-adapter", URL: tc.expectListen}, c.Listener())
			if tc.expectListen != "" {
				assert.Equal(t, tc.expectListen+"ping", c.PingURL())
			}
		})
	}
}

func TestUptime(t *testing.T) {
	c := NewContext(&config.AdapterConfig{})
	c.now = func() time.Time { return c.StartTime.Add(90*time.Second + 500*time.Millisecond) }
	assert.Equal(t, int64(90), c.Uptime())
}

func TestIgnoreList(t *testing.T) {
	c := NewContext(&config.AdapterConfig{})
	assert.Nil(t, c.IgnoreList())
	c.SetGlobals(&wicked.Globals{KongAdapter: wicked.KongAdapterGlobals{IgnoreList: []string{"hmac-auth"}}})
	assert.Equal(t, []string{"hmac-auth"}, c.IgnoreList())
	assert.Equal(t, Version, c.Build.Version)
}
