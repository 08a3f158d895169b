package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Axway/agent-sdk/pkg/util/log"
	"github.com/tidwall/gjson"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
)

// Prober reads the node information and status of the gateway.
type Prober interface {
	GetGlobals(ctx context.Context) (json.RawMessage, error)
	GetStatus(ctx context.Context) (json.RawMessage, error)
}

// Monitor probes the gateway periodically and keeps the availability flag current. After too
// many failed probes in a row it gives up and exits the process.
type Monitor struct {
	prober          Prober
	availability    *kong.Availability
	expectedVersion string
	interval        time.Duration
	maxFailures     int
	exit            func()
	logger          log.FieldLogger

	mu       sync.Mutex
	failures int
	version  string
}

type Option func(*Monitor)

// WithExitFunc replaces the process exit done after too many failed probes.
func WithExitFunc(exit func()) Option {
	return func(m *Monitor) {
		m.exit = exit
	}
}

func NewMonitor(prober Prober, availability *kong.Availability, cfg config.KongConfig, opts ...Option) *Monitor {
	m := &Monitor{
		prober:          prober,
		availability:    availability,
		expectedVersion: cfg.ExpectedVersion,
		interval:        cfg.Monitor.Interval,
		maxFailures:     cfg.Monitor.MaxFailures,
		exit:            func() { os.Exit(0) },
		logger:          log.NewFieldLogger().WithComponent("monitor").WithPackage("monitor"),
	}
	if m.maxFailures < 1 {
		m.maxFailures = 1
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init runs the first probe, the gateway has to be compatible before anything is synced.
func (m *Monitor) Init(ctx context.Context) error {
	return m.Probe(ctx)
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe checks the gateway version and status and marks the gateway available or not.
func (m *Monitor) Probe(ctx context.Context) error {
	version, status, err := m.check(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failures++
		m.availability.Mark(false, err.Error(), nil)
		m.logger.WithError(err).WithField("failures", m.failures).Error("kong does not behave")
		if m.failures >= m.maxFailures {
			m.logger.Error("exiting due to misbehaving kong")
			m.exit()
		}
		return err
	}
	m.failures = 0
	m.version = version
	m.availability.Mark(true, "", status)
	return nil
}

// Version is the gateway version seen by the last successful probe.
func (m *Monitor) Version() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

func (m *Monitor) check(ctx context.Context) (string, json.RawMessage, error) {
	globals, err := m.prober.GetGlobals(ctx)
	if err != nil {
		return "", nil, err
	}
	version := gjson.GetBytes(globals, "version")
	if !version.Exists() || version.String() == "" {
		return "", nil, fmt.Errorf("did not get expected \"version\" property from kong")
	}
	if version.String() != m.expectedVersion {
		return "", nil, fmt.Errorf("unexpected kong version, got %q, expected %q", version.String(), m.expectedVersion)
	}

	status, err := m.prober.GetStatus(ctx)
	if err != nil {
		return "", nil, err
	}
	if !gjson.GetBytes(status, "database").Exists() {
		return "", nil, fmt.Errorf("kong answer from /status did not contain \"database\" property")
	}
	return version.String(), status, nil
}
