package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chunkfrontier.ai/internal/sim/tuning"
	"chunkfrontier.ai/internal/telemetry"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if err := tune.ApplyEnv(); err != nil {
		logger.Fatalf("tuning env: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "chunkfrontier-server")
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := shutdownTracing(ctx2); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	a, err := newApp(ctx, tune, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	a.Start(ctx)
	defer a.Close()

	go watchReload(ctx, a, tp, logger)

	enableAdminHTTP := envBool("CF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("CF_ENABLE_PPROF_HTTP", false)
	mux := buildMux(a, tp, logger, enableAdminHTTP, enablePprofHTTP)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s worlds=%s", *addr, strings.Join(tune.WorldIDs(), ","))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}
	cancel()
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// watchReload re-reads tuning on SIGHUP.
func watchReload(ctx context.Context, a *app, path string, logger *log.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			logger.Printf("SIGHUP: reloading %s", path)
			_ = a.ReloadFromFile(ctx, path)
		}
	}
}

// isLoopbackRemote accepts "ip:port" or a bare ip from http.Request.RemoteAddr.
func isLoopbackRemote(remoteAddr string) bool {
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().Unmap().IsLoopback()
	}
	addr, err := netip.ParseAddr(strings.Trim(remoteAddr, "[]"))
	return err == nil && addr.Unmap().IsLoopback()
}

// defaultEnableAdminHTTP turns admin endpoints off for shared deployments.
func defaultEnableAdminHTTP() bool {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV")))
	return env != "staging" && env != "production"
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return b
	}
	return def
}
