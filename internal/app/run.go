// Package app wires the configuration, server cache, metrics endpoint and
// directory client into the lifecycle run by the steamcm command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/1ureka/steamcm/internal/cm"
	"github.com/1ureka/steamcm/internal/config"
	"github.com/1ureka/steamcm/internal/crypto"
	"github.com/1ureka/steamcm/internal/metrics"
	"github.com/1ureka/steamcm/internal/protocol"
	"github.com/1ureka/steamcm/internal/store"
	"github.com/1ureka/steamcm/internal/util"
)

// Run keeps one anonymous CM session alive until ctx is cancelled:
//  1. Open the server cache and the metrics endpoint
//  2. Bind the socket and probe every candidate server
//  3. Connect to the least loaded one and negotiate encryption
//  4. Sign on and heartbeat until shutdown or disconnect
func Run(ctx context.Context, cfg config.Config) error {
	// ── 1. Supporting services ─────────────────────────────────────────
	keys, err := LoadKeyRing(cfg)
	if err != nil {
		return err
	}

	opts := []cm.Option{
		cm.WithKeyRing(keys),
		cm.WithLocalAddr(cfg.LocalAddr),
		cm.WithDiscoveryTimeout(cfg.DiscoveryTimeout),
	}

	if cfg.CachePath != "" {
		db, err := store.Open(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("open server cache: %w", err)
		}
		defer db.Close()
		opts = append(opts, cm.WithStore(db))
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		opts = append(opts, cm.WithMetrics(metrics.New(reg)))

		srv := &http.Server{Addr: cfg.MetricsAddr, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.Serve(srv, reg); err != nil {
				util.LogError("metrics endpoint failed: %v", err)
			}
		}()
		defer srv.Close()
		util.LogInfo("metrics available at http://%s/metrics", cfg.MetricsAddr)
	}

	opts = append(opts, cm.WithMessageHandler(func(msg *protocol.Message) {
		util.LogDebug("received %s (%d bytes)", msg.Header.EMsg, len(msg.Body))
	}))

	// ── 2. Discovery ───────────────────────────────────────────────────
	client, err := cm.New(ctx, cfg.Addresses(), opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	util.StartStatsReporter(ctx)

	if err := client.BeginDiscovery(ctx).Wait(ctx); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	addr, ch, _ := client.Best()
	util.LogInfo("selected %s (load %d)", addr, ch.Load)

	// ── 3. Connect ─────────────────────────────────────────────────────
	connected, err := client.Connect()
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if err := waitFor(ctx, connected, cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	// ── 4. Sign on ─────────────────────────────────────────────────────
	logon, err := client.SignOn(cfg.Account())
	if err != nil {
		return fmt.Errorf("sign on: %w", err)
	}
	if err := waitFor(ctx, logon, cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("sign on: %w", err)
	}

	// ── 5. Block until shutdown ────────────────────────────────────────
	select {
	case <-ctx.Done():
		util.LogInfo("shutting down")
		return client.Close()
	case <-client.Done():
		return cm.ErrDisconnected
	}
}

// LoadKeyRing returns the built-in keys overlaid with the configured files.
func LoadKeyRing(cfg config.Config) (*crypto.KeyRing, error) {
	keys := crypto.DefaultKeyRing()

	var errs []error
	for name, path := range cfg.UniverseKeys {
		u, err := protocol.ParseUniverse(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := keys.LoadFile(u, path); err != nil {
			errs = append(errs, fmt.Errorf("universe %s key: %w", u, err))
		}
	}
	return keys, errors.Join(errs...)
}

func waitFor(ctx context.Context, w *cm.Waiter, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return w.Wait(ctx)
}
