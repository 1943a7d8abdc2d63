package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"oidcbff/server"
)

const defaultConfigPath = "./config.yaml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "oidcbff:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("oidcbff", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("OIDCBFF_CONFIG"), "Path to YAML config")
	configCmd := fs.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := fs.String("log-level", "info", "Logging level (debug, info, warn, error)")
	fs.StringVar(logLevel, "l", "info", "Alias for -log-level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("log level %q: %w", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	rest := fs.Args()
	connect := len(rest) > 0 && rest[0] == "connect"
	if connect {
		rest = rest[1:]
	}
	path := *configPath
	if path == "" && len(rest) > 0 {
		path = rest[0]
	}
	if path == "" {
		path = defaultConfigPath
	}

	switch *configCmd {
	case "":
	case "init":
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s", path)
		}
		_, err := runSetup(newPrompter(os.Stdin, os.Stdout), path, logger)
		return err
	case "validate":
		cfg, err := server.LoadConfig(path)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		checkURLs(ctx, cfg, logger, logger.Error)
		logger.Info("configuration is valid", "path", path)
		return nil
	default:
		return fmt.Errorf("unknown config command %q, use 'init' or 'validate'", *configCmd)
	}

	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}

	if connect {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Provider.Timeout)
		defer cancel()
		if err := probeLogin(ctx, cfg, logger, nil, nil); err != nil {
			return fmt.Errorf("provider connectivity: %w", err)
		}
		logger.Info("provider connectivity succeeded", "issuer", cfg.Provider.Issuer)
		return nil
	}

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	checkURLs(checkCtx, cfg, logger, logger.Warn)
	cancelCheck()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	return serve(ctx, cfg, app.Routes(), logger)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return server.Config{}, fmt.Errorf("config file not found at %s, run with -config-cmd=init to create it", path)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

// serve runs the listeners for the configured mode until ctx is done or one
// of them fails, then shuts all of them down.
func serve(ctx context.Context, cfg server.Config, handler http.Handler, logger *slog.Logger) error {
	var servers []*http.Server
	tlsServer := map[*http.Server]bool{}

	if cfg.Server.DevMode {
		srv := newHTTPServer(cfg.Server.ListenAddr, handler)
		srv.ReadTimeout = 30 * time.Second
		srv.WriteTimeout = 60 * time.Second
		servers = append(servers, srv)
		logger.Info("server listening", "mode", "dev", "addr", srv.Addr, "public_url", cfg.Server.PublicURL)
	} else {
		certs := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		redirect := newHTTPServer(cfg.Server.ListenAddr, certs.HTTPHandler(http.HandlerFunc(redirectToHTTPS)))
		secure := newHTTPServer(cfg.Server.HTTPSListenAddr, handler)
		secure.TLSConfig = &tls.Config{GetCertificate: certs.GetCertificate, MinVersion: tls.VersionTLS12}
		tlsServer[secure] = true
		servers = append(servers, redirect, secure)
		logger.Info("server listening", "mode", "prod", "addr", secure.Addr, "domains", cfg.Server.TLS.Domains)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			var err error
			if tlsServer[srv] {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown incomplete", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
	"err":     slog.LevelError,
}

func parseLogLevel(value string) (slog.Level, error) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return 0, errors.New("unknown log level")
	}
	return level, nil
}
