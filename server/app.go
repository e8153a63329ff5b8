package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/config"
	"warden/internal/db"
	"warden/internal/gateway"
	"warden/internal/gatewayapi"
	"warden/internal/health"
	"warden/internal/identity"
	"warden/internal/logs"
	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/pki"
	"warden/internal/repo"
	"warden/internal/secrets"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server
	scheduler  *gateway.RotationScheduler

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Logging */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (optional; empty driver = in-memory stores) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d

		if err := a.db.AutoMigrate(
			&models.Identity{},
			&models.OrgRootCA{},
			&models.Gateway{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Domain wiring */
	kp, err := secrets.NewStaticKeyProvider(a.cfg.Relay.MasterKey)
	if err != nil {
		log.Fatalf("key provider: %v", err)
	}
	codec := secrets.NewCodec(kp)

	var (
		roots   pki.RootStore
		gwStore gateway.Store
		idents  identity.Directory
	)
	if a.db != nil {
		roots = repo.NewRootCAStore(a.db)
		gwStore = repo.NewGatewayStore(a.db)
		idents = repo.NewIdentityStore(a.db)
	} else {
		roots = pki.NewMemoryRootStore()
		gwStore = gateway.NewMemoryStore()
		idents = identity.NewMemoryDirectory()
	}

	issuer := pki.NewIssuer(roots, idents, codec, a.cfg.Gateway.RootCATTL, a.cfg.Gateway.CertTTL)
	registry := gateway.NewRegistry(gwStore, issuer, codec, roots)
	registry.Log = logs.Logger
	gate := gateway.NewGate(registry, idents)
	gate.Log = logs.Logger

	// The scheduler needs a CSR source to have the gateway prove key
	// possession. The ephemeral source discards its private key, so it is
	// only wired in the in-memory dev mode; DB-backed deployments run
	// without automated rotation until a tunnel-backed source is
	// configured, and rely on the manual rotate endpoint meanwhile.
	if a.db == nil {
		a.scheduler = gateway.NewRotationScheduler(registry, gwStore, gateway.EphemeralCSRSource{},
			a.cfg.Gateway.RenewalWindow, a.cfg.Gateway.ScanInterval, a.cfg.Gateway.MaxRetries)
		a.scheduler.Log = logs.Logger
	} else {
		logs.Logger.Warn("automated certificate rotation disabled: no gateway CSR source configured")
	}

	/* 4) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router)
	}

	h := gatewayapi.NewHandler(registry, gate, idents)
	gatewayapi.RegisterRoutes(a.Router, h, a.cfg.Gateway.AdminSecret, a.cfg.Gateway.RelaySecret)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	if a.scheduler != nil {
		go a.scheduler.Run(a.ctx)
	}

	// Hard timeouts matter in production.
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
