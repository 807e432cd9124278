package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentwork-backend/mcp"
	"agentwork-backend/metrics"
	"agentwork-backend/middleware"
)

var serveTransport string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve marketplace tools and run background workers",
	Long: `Serve the marketplace tools over MCP (stdio or HTTP), deliver notifications,
expose Prometheus metrics and run the auto-resolution sweep on its interval.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Override mcp.transport (stdio|http)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveTransport != "" {
		cfg.MCP.Transport = serveTransport
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	keys, err := keyStore(cfg)
	if err != nil {
		return err
	}

	a.notifier.Start(ctx)
	defer a.notifier.Close()

	go a.market.Resolver.Run(ctx, cfg.AutoResolve.Interval)
	a.startEviction(ctx)

	if cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler(a.registry), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("metrics listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer shutdown(metricsSrv)
	}

	srv := mcp.NewServer(a.market, keys, version)
	log.Printf("marketd %s starting (store=%s escrow=%s judge=%s transport=%s, %d tools)",
		version, cfg.Store.Driver, cfg.Escrow.Oracle, cfg.Judge.Provider, cfg.MCP.Transport, len(srv.Tools()))

	if cfg.MCP.Transport == "http" {
		mux := http.NewServeMux()
		srv.RegisterRoutes(mux)
		handler := middleware.Chain(mux,
			middleware.Recovery,
			middleware.Logging,
			middleware.SecurityHeaders,
			middleware.Timeout(60*time.Second),
			middleware.MaxBody(1<<20),
		)
		httpSrv := &http.Server{Addr: cfg.MCP.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdown(httpSrv)
		}()
		log.Printf("MCP HTTP listening on %s", cfg.MCP.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ServeStdio() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown %s: %v", srv.Addr, err)
	}
}
