// Package server assembles the gateway from configuration and runs the
// dashboard HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"vpn-gateway/internal/api"
	"vpn-gateway/internal/auth"
	"vpn-gateway/internal/config"
	"vpn-gateway/internal/database"
	"vpn-gateway/internal/devices"
	"vpn-gateway/internal/logging"
	"vpn-gateway/internal/metrics"
	"vpn-gateway/internal/nat"
	"vpn-gateway/internal/network"
	"vpn-gateway/internal/ports"
	"vpn-gateway/internal/routeros"
	"vpn-gateway/internal/routes"
	"vpn-gateway/internal/store"
	"vpn-gateway/internal/supervisor"
	"vpn-gateway/internal/system"
	"vpn-gateway/internal/vpn"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// App is the wired gateway.
type App struct {
	Config   *config.Config
	Log      *logrus.Logger
	Logs     *logging.Buffer
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	DB       *database.Database
	Store    *store.Store
	Auth     *auth.Manager
	Router   *routeros.Client
	VPN      *vpn.Manager
	NAT      *nat.Manager
	Devices  *devices.Registry
	Routes   *routes.Reconciler
	Tunnel   *supervisor.Systemd

	handler *gin.Engine
}

// New builds every component from cfg. Nothing contacts the router or the
// kernel until an operation runs.
func New(cfg *config.Config) (*App, error) {
	log, logs, err := logging.Init(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		BufferSize: cfg.Logging.BufferSize,
	})
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Log: log, Logs: logs, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)

	if app.Store, err = store.New(cfg.Store.Dir, log, app.Metrics); err != nil {
		return nil, err
	}
	if app.DB, err = database.Open(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		return nil, err
	}
	if err := app.bootstrapOperator(); err != nil {
		app.DB.Close()
		return nil, err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		if secret, err = auth.GenerateSecureSecret(); err != nil {
			app.DB.Close()
			return nil, err
		}
		log.Warn("No JWT secret configured, tokens will not survive a restart")
	}
	app.Auth = auth.NewManager(secret)

	if err := app.wireRouter(); err != nil {
		app.DB.Close()
		return nil, err
	}
	if err := app.wireGateway(); err != nil {
		app.DB.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	app.handler = api.NewRouter(api.Deps{
		DB:       app.DB,
		Auth:     app.Auth,
		VPN:      app.VPN,
		NAT:      app.NAT,
		Routes:   app.Routes,
		Devices:  app.Devices,
		Tunnel:   app.Tunnel,
		Logs:     app.Logs,
		Gatherer: app.Registry,
		Metrics:  app.Metrics,
		Log:      log,
	})
	return app, nil
}

func (a *App) bootstrapOperator() error {
	user := a.Config.Server.AdminUser
	if user == "" {
		return nil
	}
	password := a.Config.Server.AdminPassword
	generated := false
	if password == "" {
		secret, err := auth.GenerateSecureSecret()
		if err != nil {
			return err
		}
		password = secret[:16]
		generated = true
	}
	created, err := a.DB.EnsureOperator(user, password)
	if err != nil {
		return fmt.Errorf("failed to bootstrap operator: %w", err)
	}
	if created {
		entry := a.Log.WithField("username", user)
		if generated {
			entry = entry.WithField("password", password)
		}
		entry.Warn("Created bootstrap operator")
	}
	return nil
}

// wireRouter builds the managers that talk to the main router.
func (a *App) wireRouter() error {
	cfg := a.Config
	a.Router = routeros.NewClient(routeros.NewSSHTransport(), routeros.Target{
		Host:     cfg.Router.Host,
		Port:     cfg.Router.Port,
		User:     cfg.Router.User,
		Password: cfg.Router.Password,
	}, routeros.Options{
		ConnectTimeout: cfg.Router.ConnectTimeout,
		CommandTimeout: cfg.Router.CommandTimeout,
		Logger:         a.Log.WithField("device", "router"),
		Metrics:        a.Metrics,
	})

	specs := make(map[string]network.SiteSpec, len(cfg.Sites))
	for name, s := range cfg.Sites {
		specs[name] = network.SiteSpec{Network: s.Network, Gateway: s.Gateway, Start: s.Start, End: s.End, Fixed: s.Fixed}
	}
	pools, err := network.NewPools(specs)
	if err != nil {
		return fmt.Errorf("invalid site configuration: %w", err)
	}
	a.VPN = vpn.NewManager(vpn.NewRouterOSRepository(a.Router), pools, a.Log)

	ranges := make([]ports.Range, 0, len(cfg.NAT.HighRanges))
	for _, r := range cfg.NAT.HighRanges {
		ranges = append(ranges, ports.Range{Start: r.Start, End: r.End})
	}
	arbiter := ports.New(ports.Options{SystemPorts: cfg.NAT.SystemPorts, Ranges: ranges, Samples: cfg.NAT.Samples})
	known := make(map[string]string, len(cfg.NAT.KnownServers))
	for _, s := range cfg.NAT.KnownServers {
		known[s.Address] = s.Name
	}
	a.NAT = nat.NewManager(nat.NewRouterOSRepository(a.Router), nat.Options{
		Arbiter:      arbiter,
		ProbeTimeout: cfg.NAT.ProbeTimeout,
		KnownServers: known,
		Log:          a.Log,
	})
	return nil
}

// wireGateway builds the local route, firewall and device side.
func (a *App) wireGateway() error {
	gw := a.Config.Gateway
	runner := system.NewExecRunner(gw.UseSudo, gw.CommandTimeout, a.Log, a.Metrics)
	kernel, err := system.NewRouteTable(gw.RouteBackend, runner, gw.Interface)
	if err != nil {
		return err
	}
	a.Tunnel = supervisor.NewSystemd(runner, gw.Service, gw.Interface)

	a.Devices = devices.NewRegistry(a.Store, func(d store.Device) routeros.Executor {
		return routeros.NewClient(routeros.NewSSHTransport(), routeros.Target{
			Host: d.Host, Port: d.Port, User: d.User, Password: d.Password,
		}, routeros.Options{
			ConnectTimeout: a.Config.Router.ConnectTimeout,
			CommandTimeout: a.Config.Router.CommandTimeout,
			Logger:         a.Log.WithField("device", d.Name),
			Metrics:        a.Metrics,
		})
	}, devices.Options{
		LANGatewayIP:  gw.LANGatewayIP,
		BackupTimeout: a.Config.Router.BackupTimeout,
		Log:           a.Log,
	})

	a.Routes = routes.NewReconciler(a.Store, kernel, system.NewIPTables(runner, gw.Interface), routes.Options{
		Interface:      gw.Interface,
		TunnelNetworks: gw.TunnelNetworks,
		Detector:       system.NewDetector(runner, gw.Interface, gw.FallbackGateway),
		Supervisor:     a.Tunnel,
		Devices:        a.Devices,
		Log:            a.Log,
		Metrics:        a.Metrics,
	})
	return nil
}

// Handler returns the dashboard HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Close releases the database.
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Run serves the dashboard until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.ListenAddr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Backups and route syncs can hold a request for a while.
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.WithField("address", srv.Addr).Info("Dashboard listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Log.Info("Shutting down dashboard")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
