package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/eurekahq/eureka/internal/api"
	"github.com/eurekahq/eureka/internal/buildinfo"
	"github.com/eurekahq/eureka/internal/config"
	"github.com/eurekahq/eureka/internal/gateway"
	"github.com/eurekahq/eureka/internal/geoip"
	"github.com/eurekahq/eureka/internal/janitor"
	"github.com/eurekahq/eureka/internal/lifecycle"
	"github.com/eurekahq/eureka/internal/metrics"
	"github.com/eurekahq/eureka/internal/netutil"
	"github.com/eurekahq/eureka/internal/provider"
	"github.com/eurekahq/eureka/internal/proxy"
	"github.com/eurekahq/eureka/internal/requestlog"
	"github.com/eurekahq/eureka/internal/service"
	"github.com/eurekahq/eureka/internal/store"
)

type eurekaApp struct {
	envCfg         *config.EnvConfig
	runtime        *config.RuntimeStore
	providerClient *provider.Client
	geoSvc         *geoip.Service
	registry       *lifecycle.Registry
	reaper         *lifecycle.Reaper
	janitor        *janitor.Janitor
	metricsManager *metrics.Manager
	requestlogRepo *requestlog.Repo
	requestlogSvc  *requestlog.Service
	inboundSrv     *http.Server
	inboundLn      net.Listener
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if err := ensureDirs(envCfg); err != nil {
		return err
	}

	app, err := newEurekaApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func ensureDirs(envCfg *config.EnvConfig) error {
	for _, dir := range []string{envCfg.DataDir, envCfg.LogDir, envCfg.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func newEurekaApp(envCfg *config.EnvConfig) (*eurekaApp, error) {
	app := &eurekaApp{envCfg: envCfg}

	runtime, err := config.OpenRuntimeStore(envCfg.DataDir, runtimeDefaultsFromEnv(envCfg))
	if err != nil {
		return nil, err
	}
	app.runtime = runtime
	log.Println("Runtime config loaded")

	if err := app.initProvider(); err != nil {
		return nil, err
	}
	app.geoSvc = newGeoIPService(envCfg)
	if err := app.initObservability(); err != nil {
		return nil, err
	}
	if err := app.initLifecycle(); err != nil {
		return nil, err
	}
	if err := app.buildNetworkServers(); err != nil {
		return nil, err
	}

	app.startBackgroundServices()
	return app, nil
}

// runtimeDefaultsFromEnv seeds runtime.json on first boot from the env
// knobs; afterwards the persisted file wins and PATCHes update it.
func runtimeDefaultsFromEnv(envCfg *config.EnvConfig) config.RuntimeConfig {
	return config.RuntimeConfig{
		InactivityTimeout: config.Duration(envCfg.InactivityTimeout),
		ChunkIdleTimeout:  config.Duration(envCfg.ProxyChunkIdleTimeout),
		RequestLogEnabled: true,
	}
}

func (a *eurekaApp) initProvider() error {
	var template map[string]any
	if a.envCfg.MachineTemplate != "" {
		t, err := provider.LoadTemplate(a.envCfg.MachineTemplate)
		if err != nil {
			return fmt.Errorf("machine template: %w", err)
		}
		template = t
		log.Printf("Machine template loaded from %s", a.envCfg.MachineTemplate)
	}

	client, err := provider.NewClient(provider.Config{
		APIURL:   a.envCfg.ProviderAPIURL,
		APIKey:   a.envCfg.ProviderAPIKey,
		AppName:  a.envCfg.ProviderAppName,
		Image:    a.envCfg.MachineImage,
		Template: template,
		Timeout:  a.envCfg.ProviderTimeout,
	})
	if err != nil {
		return err
	}
	a.providerClient = client
	log.Printf("Provider client ready (app %s)", client.AppName())
	return nil
}

func newGeoIPService(envCfg *config.EnvConfig) *geoip.Service {
	return geoip.NewService(geoip.ServiceConfig{
		CacheDir:       envCfg.CacheDir,
		DBURL:          envCfg.GeoIPDBURL,
		UpdateSchedule: envCfg.GeoIPUpdateSchedule,
		OpenDB:         geoip.MaxMindOpen,
		Downloader: &netutil.RetryDownloader{
			Inner: netutil.NewDirectDownloader(2*time.Minute, "eureka/"+buildinfo.Version),
		},
	})
}

func (a *eurekaApp) initObservability() error {
	a.metricsManager = metrics.NewManager()

	a.requestlogRepo = requestlog.NewRepo(
		a.envCfg.LogDir,
		a.envCfg.RequestLogDBMaxBytes,
		a.envCfg.RequestLogDBRetainCount,
	)
	if err := a.requestlogRepo.Open(); err != nil {
		return fmt.Errorf("requestlog repo open: %w", err)
	}
	a.requestlogSvc = requestlog.NewService(requestlog.ServiceConfig{
		Repo:          a.requestlogRepo,
		CountryFor:    a.geoSvc.CountryFor,
		QueueSize:     a.envCfg.RequestLogQueueSize,
		FlushBatch:    a.envCfg.RequestLogQueueFlushBatchSize,
		FlushInterval: a.envCfg.RequestLogQueueFlushInterval,
	})
	a.metricsManager.RequestLogDropped = a.requestlogSvc.Dropped
	return nil
}

func (a *eurekaApp) initLifecycle() error {
	a.registry = lifecycle.NewRegistry(lifecycle.Config{
		Provider:          a.providerClient,
		Store:             store.New(a.envCfg.DataDir),
		Events:            a.metricsManager,
		InactivityTimeout: a.runtime.InactivityTimeout,
		MachineOpTimeout:  a.envCfg.MachineOpTimeout,
	})

	if a.envCfg.ReaperGrace > 0 {
		a.reaper = lifecycle.NewReaper(a.registry, a.envCfg.ReaperGrace)
	}

	if a.envCfg.JanitorSchedule != "" {
		j, err := janitor.New(janitor.Config{
			Provider: a.providerClient,
			Claimed:  a.registry.ClaimedMachineIDs,
			Schedule: a.envCfg.JanitorSchedule,
			MinAge:   a.envCfg.JanitorMinAge,
		})
		if err != nil {
			return err
		}
		a.janitor = j
	}
	return nil
}

func (a *eurekaApp) buildNetworkServers() error {
	systemInfo := service.SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
		StartedAt: time.Now().UTC(),
	}

	cpService := &service.ControlPlaneService{
		Registry:    a.registry,
		Runtime:     a.runtime,
		GeoIP:       a.geoSvc,
		Info:        systemInfo,
		CallTimeout: a.envCfg.ActorCallTimeout,
	}

	apiSrv := api.NewServerWithAddress(
		a.envCfg.ListenAddress,
		a.envCfg.Port,
		a.envCfg.AdminToken,
		cpService,
		a.envCfg.APIMaxBodyBytes,
		a.requestlogRepo,
		a.metricsManager,
	)

	workspaceProxy := proxy.New(proxy.Config{
		Resolver:         a.registry,
		AppName:          a.envCfg.ProviderAppName,
		Events:           a.buildProxyEvents(),
		Streams:          a.metricsManager,
		EnsureTimeout:    a.envCfg.ActorCallTimeout,
		BodyLimit:        a.envCfg.ProxyBodyLimit,
		ChunkIdleTimeout: a.runtime.ChunkIdleTimeout,
		ConnectTimeout:   a.envCfg.ProxyConnectTimeout,
	})

	gw := gateway.New(gateway.Config{
		Proxy:      workspaceProxy,
		Auth:       newAuthenticator(a.envCfg),
		BaseDomain: a.envCfg.BaseDomain,
	})

	inboundHandler := newInboundMux(gw, apiSrv.Handler())
	inboundLn, err := net.Listen("tcp", formatListenAddress(a.envCfg.ListenAddress, a.envCfg.Port))
	if err != nil {
		return fmt.Errorf("eureka server listen: %w", err)
	}
	a.inboundLn = inboundLn
	a.inboundSrv = &http.Server{Handler: inboundHandler}

	return nil
}

// buildProxyEvents fans proxy events out to the metrics manager and the
// request log. The metrics tap is unconditional; row capture obeys the
// runtime toggle.
func (a *eurekaApp) buildProxyEvents() proxy.EventEmitter {
	return proxy.FanOutEmitter{
		a.metricsManager,
		proxy.ConfigAwareEventEmitter{
			Base:              a.requestlogSvc,
			RequestLogEnabled: a.runtime.RequestLogEnabled,
		},
	}
}

func newAuthenticator(envCfg *config.EnvConfig) gateway.Authenticator {
	if envCfg.AuthMode == config.AuthModeOpen {
		log.Println("Gateway auth mode: open (every request admitted)")
		return gateway.AllowAll{}
	}
	return gateway.CookieAuthenticator{CookieName: envCfg.AuthCookieName}
}

func (a *eurekaApp) startBackgroundServices() {
	if err := a.geoSvc.Start(); err != nil {
		log.Printf("GeoIP service start: %v", err)
	} else {
		log.Println("GeoIP service started")
	}

	a.requestlogSvc.Start()
	log.Println("Request log service started")

	if a.reaper != nil {
		a.reaper.Start()
		log.Println("Workspace reaper started")
	}
	if a.janitor != nil {
		a.janitor.Start()
		log.Println("Machine janitor started")
	}
}

func (a *eurekaApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("Eureka gateway starting on %s (base domain %s)",
			formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port), a.envCfg.BaseDomain)
		reportServerErr("eureka server", a.inboundSrv.Serve(a.inboundLn))
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + formatListenAddress(listenAddress, port)
}

func (a *eurekaApp) shutdown(ctx context.Context) {
	if err := a.inboundSrv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Eureka server stopped")

	// Stop event sources before sinks: sweepers first, then the log
	// pipeline, then the actors themselves.
	if a.janitor != nil {
		a.janitor.Stop()
		log.Println("Machine janitor stopped")
	}
	if a.reaper != nil {
		a.reaper.Stop()
		log.Println("Workspace reaper stopped")
	}

	a.geoSvc.Stop()
	log.Println("GeoIP service stopped")

	a.requestlogSvc.Stop()
	log.Println("Request log service stopped")
	if err := a.requestlogRepo.Close(); err != nil {
		log.Printf("Request log repo close error: %v", err)
	}
	log.Println("Request log repo closed")

	a.registry.Close()
	log.Println("Workspace registry stopped")
}
