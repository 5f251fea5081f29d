// Package main provides the CLI entry point for the whisp SSH dispatch
// server: a demonstration embedder around internal/sshconn showing how a
// listener, a config file, and an app registry fit together.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/whisphq/whisp/internal/apps"
	"github.com/whisphq/whisp/internal/config"
	"github.com/whisphq/whisp/internal/hostkey"
	"github.com/whisphq/whisp/internal/logging"
	"github.com/whisphq/whisp/internal/metrics"
	"github.com/whisphq/whisp/internal/sshconn"
	"github.com/whisphq/whisp/internal/wizard"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "whispd",
		Short: "whispd - SSH dispatch server",
		Long: `whispd accepts SSH connections and dispatches each session to an
external PTY-attached app, chosen by username or exec command against a
small registry. It is not a general-purpose shell server: the only thing a
client can run is whatever app the registry resolves it to.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Server Status:"})

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	serve := serveCmd()
	serve.GroupID = "start"
	rootCmd.AddCommand(serve)

	status := statusCmd()
	status.GroupID = "status"
	rootCmd.AddCommand(status)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var hostKeyDir, appsDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive first-run setup",
		Long: `Run an interactive wizard that generates a host key directory and a
starter configuration file (config.yaml, holding the app registry), ready to
pass to "whispd serve".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := wizard.New().Run(hostKeyDir, appsDir)
			if err != nil {
				return fmt.Errorf("setup wizard failed: %w", err)
			}
			fmt.Printf("\nHost key directory: %s\n", result.HostKeyDir)
			fmt.Printf("Config file:        %s\n", result.ConfigPath)
			fmt.Printf("\nStart the server with:\n  whispd serve --config %s\n", result.ConfigPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&hostKeyDir, "host-key-dir", "", "Directory for the host key (default: $HOME/.whisp-whispd)")
	cmd.Flags().StringVar(&appsDir, "apps-dir", "", "Directory to scan for executable apps")

	return cmd
}

func serveCmd() *cobra.Command {
	var configPath, listenAddr, hostKeyDir, appsDir, metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH dispatch server",
		Long:  "Start whispd: load configuration, bind the listen address, and dispatch every accepted connection to internal/sshconn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddress = listenAddr
			}
			if hostKeyDir != "" {
				cfg.Server.HostKeyDir = hostKeyDir
			}
			if appsDir != "" {
				cfg.Apps.Dir = appsDir
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

			registry, err := buildRegistry(cfg.Apps)
			if err != nil {
				return fmt.Errorf("build app registry: %w", err)
			}

			keyDirName := "whispd"
			store, err := hostkey.Load(cfg.Server.HostKeyDir, keyDirName)
			if err != nil {
				return fmt.Errorf("load host key: %w", err)
			}

			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.NewMetrics()
				if metricsAddr != "" {
					go serveMetrics(metricsAddr, logger)
				}
			}

			return runServer(cmd.Context(), cfg, registry, store, m, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&hostKeyDir, "host-key-dir", "", "Host key directory (overrides config)")
	cmd.Flags().StringVar(&appsDir, "apps-dir", "", "App executables directory (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Address to serve Prometheus /metrics on (disabled if empty)")

	return cmd
}

func loadServeConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildRegistry builds the app registry from the config's explicit
// entries plus directory auto-discovery: every regular, executable file
// directly under Dir becomes an app named after its filename.
func buildRegistry(cfg config.AppsConfig) (*apps.Registry, error) {
	registry := apps.NewRegistry()

	for _, e := range cfg.Entries {
		if err := registry.Register(e.Pattern, apps.Command{Path: e.Command, Args: e.Args}); err != nil {
			return nil, fmt.Errorf("register %q: %w", e.Pattern, err)
		}
	}

	if cfg.Dir == "" {
		return registry, nil
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan apps dir %s: %w", cfg.Dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		name := entry.Name()
		if registry.IsRegistered(name) {
			continue
		}
		path := filepath.Join(cfg.Dir, name)
		if err := registry.Register(name, apps.Command{Path: path}); err != nil {
			return nil, fmt.Errorf("register discovered app %q: %w", name, err)
		}
	}
	return registry, nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener exited", logging.KeyError, err)
	}
}

// connCounter hands out human-readable connection IDs for logging; it
// carries no protocol meaning.
var connCounter atomic.Uint64

// runServer binds the listen address and accepts connections until ctx is
// canceled, dispatching each to its own sshconn.Connection goroutine.
func runServer(ctx context.Context, cfg *config.Config, registry *apps.Registry, store *hostkey.Store, m *metrics.Metrics, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddress, err)
	}
	logger.Info("whispd listening", logging.KeyLocalAddr, cfg.Server.ListenAddress)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var connsMu sync.Mutex
	conns := make(map[string]*sshconn.Connection)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down, closing listener")
		_ = ln.Close()
		connsMu.Lock()
		for _, c := range conns {
			c.Shutdown()
		}
		connsMu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		connID := fmt.Sprintf("c%d", connCounter.Add(1))
		sc := sshconn.New(conn, &sshconn.Config{
			ConnectionID:         connID,
			InactivityTimeout:    cfg.Server.InactivityTimeout,
			DefaultMaxPacketSize: cfg.Server.DefaultMaxPacketSize,
			MaxParseFailures:     cfg.Server.MaxParseFailures,
			MaxInputBuffer:       cfg.Server.MaxInputBuffer,
			Apps:                 registry,
			HostKey:              store,
			Logger:               logger,
			Metrics:              m,
		})

		connsMu.Lock()
		conns[connID] = sc
		connsMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				connsMu.Lock()
				delete(conns, connID)
				connsMu.Unlock()
			}()
			if err := sc.Run(); err != nil {
				logger.Info("connection closed", logging.KeyConnectionID, connID, logging.KeyError, err)
			}
		}()
	}
}

func statusCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running whispd's Prometheus metrics endpoint",
		Long:  "Fetch /metrics from a running whispd and print a short human-readable summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(metricsAddr)
		},
	}

	cmd.Flags().StringVarP(&metricsAddr, "metrics-listen", "m", "localhost:9090", "Address whispd's metrics endpoint listens on")
	return cmd
}

// statusCounters names the whisp_* Prometheus counters printStatus
// summarizes, paired with a human label.
var statusCounters = map[string]string{
	"whisp_connections_total":       "connections accepted",
	"whisp_connections_active":      "connections active",
	"whisp_channels_opened_total":   "channels opened",
	"whisp_channels_active":         "channels active",
	"whisp_bytes_from_client_total": "received from clients",
	"whisp_bytes_to_client_total":   "sent to clients",
	"whisp_parse_failures_total":    "parse failures",
}

// printStatus scrapes a running whispd's /metrics endpoint and prints a
// short human-readable summary, byte counters rendered via go-humanize.
func printStatus(metricsAddr string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", metricsAddr))
	if err != nil {
		return fmt.Errorf("fetch metrics from %s: %w", metricsAddr, err)
	}
	defer resp.Body.Close()

	values := make(map[string]float64)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		if idx := strings.IndexByte(name, '{'); idx != -1 {
			name = name[:idx]
		}
		if _, tracked := statusCounters[name]; !tracked {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		values[name] += v
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read metrics response: %w", err)
	}

	fmt.Printf("whispd status (%s)\n", metricsAddr)
	for name, label := range statusCounters {
		v, ok := values[name]
		if !ok {
			continue
		}
		if strings.Contains(name, "bytes") {
			fmt.Printf("  %-24s %s\n", label+":", humanize.Bytes(uint64(v)))
		} else {
			fmt.Printf("  %-24s %s\n", label+":", humanize.Comma(int64(v)))
		}
	}
	return nil
}
