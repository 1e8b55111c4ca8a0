// Command fabricd runs one node of the clustered WebSocket messaging
// fabric: it loads its configuration from the environment a fleet
// planner lays down, starts the Message Server and its Cluster
// Dispatcher, and serves the admin HTTP surface alongside the WebSocket
// upgrade endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lattice-mesh/fabric/internal/adminapi"
	"github.com/lattice-mesh/fabric/internal/cluster"
	"github.com/lattice-mesh/fabric/internal/config"
	"github.com/lattice-mesh/fabric/internal/fabric"
	"github.com/lattice-mesh/fabric/internal/logging"
)

// fabricAdmission applies a fresh SlidingWindowLimiter per remote
// address, for the WebSocket upgrade endpoint's admission control (spec
// §6): a single address may not open more than burst connections per
// window.
type fabricAdmission struct {
	window time.Duration
	burst  int

	mu       sync.Mutex
	limiters map[string]*adminapi.SlidingWindowLimiter
}

func newFabricAdmission(window time.Duration, burst int) *fabricAdmission {
	return &fabricAdmission{
		window:   window,
		burst:    burst,
		limiters: make(map[string]*adminapi.SlidingWindowLimiter),
	}
}

// Allow reports whether remoteAddr may open another connection right now.
func (a *fabricAdmission) Allow(remoteAddr string) bool {
	a.mu.Lock()
	limiter, ok := a.limiters[remoteAddr]
	if !ok {
		limiter = adminapi.NewSlidingWindowLimiter(a.window, a.burst, nil)
		a.limiters[remoteAddr] = limiter
	}
	a.mu.Unlock()
	return limiter.Allow()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv := fabric.New(fabric.Options{
		Password:        cfg.Password,
		Binary:          cfg.Binary,
		Secret:          cfg.Secret,
		Cycle:           cfg.Cycle,
		SessionTimeout:  cfg.SessionTimeout,
		ReqIDCacheSize:  cfg.ReqIDCache,
		ForwardedHeader: cfg.ForwardedHeader,
		Logger:          logger,
	})

	dispatcher := cluster.New(cluster.Options{
		Secret:   cfg.Secret,
		Password: cfg.Password,
		Binary:   cfg.Binary,
		Cycle:    cfg.Cycle,
		Logger:   logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, group := range cfg.Links {
		for _, peerDesc := range cfg.Nodes[group] {
			url := fmt.Sprintf("ws://%s:%d", peerDesc.Host, peerDesc.Port)
			if peerDesc.SSLS.Enabled() {
				url = fmt.Sprintf("wss://%s:%d", peerDesc.Host, peerDesc.Port)
			}
			dispatcher.AddPeer(ctx, group, url)
		}
	}
	srv.SetClusterPeerCountsFunc(dispatcher.PeerCounts)

	srv.Start()
	defer srv.Close()
	defer dispatcher.Close()

	admission := newFabricAdmission(cfg.AdmissionWindow, cfg.AdmissionBurst)

	mux := http.NewServeMux()
	mux.Handle("/fabric", srv.UpgradeHandler(admission))

	handlers := adminapi.NewHandlerSet(adminapi.Options{
		Logger:      logger,
		Stats:       srv,
		AdminToken:  cfg.AdminToken,
		RateLimiter: adminapi.NewSlidingWindowLimiter(time.Second, 5, nil),
	})
	handlers.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}
	if cfg.SSLS.Enabled() {
		go func() {
			if err := httpServer.ListenAndServeTLS(cfg.SSLS.CertPath, cfg.SSLS.KeyPath); err != nil && err != http.ErrServerClosed {
				srv.SetStartupError(err)
				logger.Error("listener failed", logging.Error(err))
			}
		}()
	} else {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				srv.SetStartupError(err)
				logger.Error("listener failed", logging.Error(err))
			}
		}()
	}

	logger.Info("fabric node listening",
		logging.String("url", fabric.ListenerURL(addr, cfg.SSLS.Enabled())),
		logging.String("name", cfg.Name),
		logging.String("cluster_groups", dispatcher.String()),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
