package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Axway/agent-sdk/pkg/util/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/adapter"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/config"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/dispatcher"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/kong"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/monitor"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/portal"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/server"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/sync"
	"github.com/apim-haufe-io/wicked.kong-adapter/pkg/wicked"
)

const (
	portalPollInterval = 2 * time.Second
	shutdownTimeout    = 10 * time.Second
	requestTimeout     = 30 * time.Second
)

// run starts the front controller right away so /ping can report progress, then brings up the
// rest of the adapter and serves until a signal arrives.
func run(ctx context.Context, cfg *config.AdapterConfig) error {
	logger := log.NewFieldLogger().WithComponent("adapter").WithPackage("cmd")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	adapterCtx := adapter.NewContext(cfg)
	// the monitor only exists once the portal answered
	var mon atomic.Pointer[monitor.Monitor]
	srv := server.NewServer(
		adapterCtx,
		server.WithGatherer(registry),
		server.WithGatewayVersion(func() string {
			if m := mon.Load(); m != nil {
				return m.Version()
			}
			return ""
		}),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	go func() {
		err := startup(ctx, adapterCtx, srv, registry, &mon)
		if err != nil {
			errCh <- err
			return
		}
		mon.Load().Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var err error
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err = <-errCh:
		if !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("adapter failed")
		}
	}

	// stops the monitor and an unfinished startup; pending events stay queued with the portal
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("server shutdown")
	}
	return err
}

// startup waits for the portal API, reads the globals, checks Kong and runs the initial sync.
func startup(ctx context.Context, adapterCtx *adapter.Context, srv *server.Server, registry *prometheus.Registry, monRef *atomic.Pointer[monitor.Monitor]) error {
	logger := log.NewFieldLogger().WithComponent("startup").WithPackage("cmd")
	cfg := adapterCtx.Config

	portalClient := wicked.NewClient(cfg.Portal.ApiUrl, nil)
	if err := waitForPortal(ctx, portalClient); err != nil {
		return err
	}
	srv.SetControlPlaneAvailable()

	globals, err := portalClient.GetGlobals(ctx)
	if err != nil {
		return err
	}
	adapterCtx.SetGlobals(globals)

	kongCfg := cfg.Kong
	kongCfg.Admin.Url = adapterCtx.AdminURL()
	if kongCfg.Admin.Url == "" {
		return errors.New("no Kong Admin API url configured and the kongAdminUrl global is not set")
	}
	logger.WithField("url", kongCfg.Admin.Url).Info("using Kong Admin API")

	kongClient, err := kong.NewKongClient(
		&http.Client{Timeout: requestTimeout},
		&kongCfg,
		kong.WithAvailability(adapterCtx.Availability),
		kong.WithStatistics(adapterCtx.Statistics),
		kong.WithMetrics(kong.NewMetrics(registry)),
	)
	if err != nil {
		return err
	}

	mon := monitor.NewMonitor(kongClient, adapterCtx.Availability, kongCfg)
	monRef.Store(mon)
	if err := mon.Init(ctx); err != nil {
		return err
	}

	engine := sync.NewEngine(
		kongClient,
		kong.NewReader(kongClient),
		portal.NewAssembler(portalClient, globals),
		sync.WithIgnoreList(adapterCtx.IgnoreList()),
		sync.WithStatistics(adapterCtx.Statistics),
		sync.WithMetrics(sync.NewMetrics(registry)),
	)
	d := dispatcher.NewDispatcher(
		engine,
		portalClient,
		adapterCtx.Listener(),
		dispatcher.WithMetrics(dispatcher.NewMetrics(registry)),
	)
	if err := d.Init(ctx, dispatcher.InitOptions{RegisterListener: true, SyncApis: true, SyncConsumers: true}); err != nil {
		return err
	}
	srv.SetInitialized(d)
	logger.Info("initialization done")
	return nil
}

func waitForPortal(ctx context.Context, portalClient *wicked.Client) error {
	logger := log.NewFieldLogger().WithComponent("startup").WithPackage("cmd")
	ticker := time.NewTicker(portalPollInterval)
	defer ticker.Stop()
	for {
		err := portalClient.Ping(ctx)
		if err == nil {
			return nil
		}
		logger.WithError(err).Info("waiting for the portal API")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
