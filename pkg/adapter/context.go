package adapter

import (
	"strings"
	"sync"
	"time"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

// Set with -ldflags "-X github.com/apim-haufe-io/wicked.kong-adapter/pkg/adapter.Version=..."
var (
	Version       = "0.0.0"
	GitLastCommit = "(no last git commit found - running locally?)"
	GitBranch     = "(unknown)"
	BuildDate     = "(unknown)"
)

type BuildInfo struct {
	Version       string `json:"version"`
	GitLastCommit string `json:"gitLastCommit"`
	GitBranch     string `json:"gitBranch"`
	BuildDate     string `json:"buildDate"`
}

func Build() BuildInfo {
	return BuildInfo{
		Version:       Version,
		GitLastCommit: GitLastCommit,
		GitBranch:     GitBranch,
		BuildDate:     BuildDate,
	}
}

// Context is what the adapter knows for its whole lifetime. The globals are only there once the
// portal API answered.
type Context struct {
	Config       *config.AdapterConfig
	Availability *kong.Availability
	Statistics   *kong.Statistics
	Build        BuildInfo
	StartTime    time.Time

	mu      sync.RWMutex
	globals *wicked.Globals
	now     func() time.Time
}

func NewContext(cfg *config.AdapterConfig) *Context {
	return &Context{
		Config:       cfg,
		Availability: kong.NewAvailability(),
		Statistics:   kong.NewStatistics(),
		Build:        Build(),
		StartTime:    time.Now(),
		now:          time.Now,
	}
}

func (c *Context) SetGlobals(globals *wicked.Globals) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globals = globals
}

func (c *Context) Globals() *wicked.Globals {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.globals
}

// Uptime in whole seconds.
func (c *Context) Uptime() int64 {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return int64(now().Sub(c.StartTime) / time.Second)
}

// AdminURL is the configured Kong Admin API url, or the kongAdminUrl global when none is configured.
func (c *Context) AdminURL() string {
	if c.Config != nil && c.Config.Kong.Admin.Url != "" {
		return c.Config.Kong.Admin.Url
	}
	if globals := c.Globals(); globals != nil {
		return globals.Network.KongAdminUrl
	}
	return ""
}

// ListenerURL is where the portal posts webhook events to, always ending in a slash.
func (c *Context) ListenerURL() string {
	u := ""
	if c.Config != nil {
		u = c.Config.Listener.Url
	}
	if globals := c.Globals(); u == "" && globals != nil {
		u = globals.Network.KongAdapterUrl
	}
	if u == "" {
		return ""
	}
	return strings.TrimSuffix(u, "/") + "/"
}

func (c *Context) PingURL() string {
	return c.ListenerURL() + "ping"
}

func (c *Context) Listener() wicked.WebhookListener {
	id := ""
	if c.Config != nil {
		id = c.Config.Listener.ID
	}
	return wicked.WebhookListener{ID: id, URL: c.ListenerURL()}
}

// IgnoreList names the plugins the adapter never touches.
func (c *Context) IgnoreList() []string {
	globals := c.Globals()
	if globals == nil {
		return nil
	}
	return globals.KongAdapter.IgnoreList
}
