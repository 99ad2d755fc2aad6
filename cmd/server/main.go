package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/factory"
	"phone-auth-service/internal/handler"
	"phone-auth-service/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format, util.RotatingFile{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer util.Sync()

	if err := cfg.Validate(); err != nil {
		util.Fatal("Invalid configuration", util.ErrorField(err))
	}

	f, err := factory.NewFactory(context.Background(), cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	router := setupRouter(f)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		go serve(server.ListenAndServe)
		waitForShutdown(f, server)
		return
	}

	tlsManager := f.TLSManager()
	httpsServer := &http.Server{
		Addr:         tlsAddress(cfg),
		Handler:      router,
		TLSConfig:    tlsManager.TLSConfig(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	// The plain listener answers ACME challenges and redirects everything else.
	if cfg.IsProduction() && cfg.Server.AutoCert {
		server.Addr = ":80"
	}
	server.Handler = tlsManager.HTTPHandler(http.HandlerFunc(redirectToHTTPS(cfg)))

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.String("address", httpsServer.Addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	go serve(server.ListenAndServe)
	go serve(func() error { return httpsServer.ListenAndServeTLS("", "") })

	waitForShutdown(f, httpsServer, server)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	otpHandler := handler.NewOTPHandler(f.ServiceFactory().OTPService(), f, util.Get())
	return handler.NewRouter(handler.RouterConfig{
		ServiceName:    cfg.ServiceName,
		RequireHTTPS:   cfg.Server.RequireHTTPS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, otpHandler, util.Get())
}

func tlsAddress(cfg *config.Config) string {
	if cfg.IsProduction() && cfg.Server.AutoCert {
		return ":443"
	}
	return fmt.Sprintf(":%d", cfg.Server.TLSPort)
}

func redirectToHTTPS(cfg *config.Config) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		host := cfg.Server.Domain
		if host == "" {
			host = r.Host
			if h, _, err := net.SplitHostPort(r.Host); err == nil {
				host = h
			}
		}
		if addr := tlsAddress(cfg); addr != ":443" {
			host += addr
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	}
}

func serve(listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed", util.ErrorField(err))
	}
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	f.Close()
}
