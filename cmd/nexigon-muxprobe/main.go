// Command nexigon-muxprobe is a small demonstration and diagnostic tool for
// the multiplex/rpc stack: it can listen for WebSocket connections and
// serve a trivial echo/ping action set, or dial a listener and issue calls
// against it, optionally exposing Prometheus metrics for the connection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	rootcmd "github.com/nexigon/nexigon/cmd"
	"github.com/nexigon/nexigon/pkg/logging"
	"github.com/nexigon/nexigon/pkg/multiplex"
	"github.com/nexigon/nexigon/pkg/multiplex/wstransport"
	"github.com/nexigon/nexigon/pkg/rpc"
)

// fileConfiguration is the schema for the optional --config TOML file. Flags
// always take precedence over values loaded from it.
type fileConfiguration struct {
	Address       string `toml:"address"`
	MetricsAddr   string `toml:"metrics_address"`
	LogLevel      string `toml:"log_level"`
	KeepaliveSecs int    `toml:"keepalive_seconds"`
}

func loadFileConfiguration(path string) (fileConfiguration, error) {
	var cfg fileConfiguration
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

func newLogger(levelName string) *logging.Logger {
	level, ok := logging.NameToLevel(levelName)
	if !ok {
		level = logging.LevelInfo
	}
	return logging.NewLogger(level, os.Stderr)
}

type echoService struct{}

func (echoService) Actions() map[string]rpc.Handler {
	return map[string]rpc.Handler{
		"echo": func(_ context.Context, input json.RawMessage) (any, error) {
			return map[string]any{"echo": string(input)}, nil
		},
		"ping": func(_ context.Context, _ json.RawMessage) (any, error) {
			return map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}
}

var rootConfiguration struct {
	configPath string
}

var rootCommand = &cobra.Command{
	Use:   "nexigon-muxprobe",
	Short: "Exercise the Nexigon connection multiplexer and RPC stack",
}

var listenConfiguration struct {
	address     string
	metricsAddr string
	logLevel    string
}

var listenCommand = &cobra.Command{
	Use:   "listen",
	Short: "Accept WebSocket connections and serve the demo action set",
	Args:  rootcmd.DisallowArguments,
	RunE:  runListen,
}

var dialConfiguration struct {
	address  string
	action   string
	input    string
	logLevel string
}

var dialCommand = &cobra.Command{
	Use:   "dial",
	Short: "Connect to a listener and invoke an action",
	Args:  rootcmd.DisallowArguments,
	RunE:  runDial,
}

func init() {
	rootCommand.PersistentFlags().StringVar(&rootConfiguration.configPath, "config", "", "Path to a TOML configuration file")

	listenFlags := listenCommand.Flags()
	listenFlags.StringVar(&listenConfiguration.address, "address", ":9428", "Address to listen on")
	listenFlags.StringVar(&listenConfiguration.metricsAddr, "metrics-address", "", "Address to serve Prometheus metrics on (disabled if empty)")
	listenFlags.StringVar(&listenConfiguration.logLevel, "log-level", "info", "Log level (disabled, error, warn, info, debug, trace)")

	dialFlags := dialCommand.Flags()
	dialFlags.StringVar(&dialConfiguration.address, "address", "ws://127.0.0.1:9428/", "Listener address to dial")
	dialFlags.StringVar(&dialConfiguration.action, "action", "ping", "Action to invoke")
	dialFlags.StringVar(&dialConfiguration.input, "input", "{}", "JSON-encoded action input")
	dialFlags.StringVar(&dialConfiguration.logLevel, "log-level", "warn", "Log level (disabled, error, warn, info, debug, trace)")

	rootCommand.AddCommand(listenCommand, dialCommand)
}

func runListen(command *cobra.Command, _ []string) error {
	fileCfg, err := loadFileConfiguration(rootConfiguration.configPath)
	if err != nil {
		return fmt.Errorf("unable to load configuration file: %w", err)
	}
	address := listenConfiguration.address
	if address == ":9428" && fileCfg.Address != "" {
		address = fileCfg.Address
	}
	logLevelName := listenConfiguration.logLevel
	if logLevelName == "info" && fileCfg.LogLevel != "" {
		logLevelName = fileCfg.LogLevel
	}
	metricsAddr := listenConfiguration.metricsAddr
	if metricsAddr == "" && fileCfg.MetricsAddr != "" {
		metricsAddr = fileCfg.MetricsAddr
	}

	logger := newLogger(logLevelName)

	connCfg := multiplex.DefaultConfiguration()
	if fileCfg.KeepaliveSecs > 0 {
		connCfg.KeepaliveInterval = time.Duration(fileCfg.KeepaliveSecs) * time.Second
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger, registry)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	server := rpc.NewServer()
	server.Register(echoService{})

	var connSeq uint64

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("websocket upgrade failed: %v", err)
			return
		}
		transport := wstransport.New(wsConn)
		conn := multiplex.New(transport, multiplex.RoleResponder, connCfg, logger)
		logger.Infof("accepted connection %s from %s", conn.Addr(), r.RemoteAddr)

		connSeq++
		metrics := multiplex.NewMetrics(conn.Ref(), prometheus.Labels{"connection": fmt.Sprintf("%d", connSeq)})
		if err := metrics.RegisterWith(registry); err != nil {
			logger.Warnf("unable to register connection metrics: %v", err)
		}

		go func() {
			if err := server.Serve(context.Background(), conn); err != nil {
				logger.Infof("connection terminated: %v", err)
			}
		}()
	})

	httpServer := &http.Server{Addr: address, Handler: mux}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, rootcmd.TerminationSignals...)
	go func() {
		sig := <-signals
		logger.Infof("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("graceful shutdown failed: %v", err)
		}
	}()

	logger.Infof("listening on %s", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runDial(command *cobra.Command, _ []string) error {
	logger := newLogger(dialConfiguration.logLevel)

	dialer := websocket.DefaultDialer
	wsConn, _, err := dialer.Dial(dialConfiguration.address, nil)
	if err != nil {
		return fmt.Errorf("unable to dial %s: %w", dialConfiguration.address, err)
	}

	transport := wstransport.New(wsConn)
	conn := multiplex.New(transport, multiplex.RoleInitiator, nil, logger)
	ref := conn.Ref()
	defer ref.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := conn.NextEvent(ctx); err != nil {
		return fmt.Errorf("unable to observe connection establishment: %w", err)
	}

	client := rpc.NewClient(ref, []byte("demo"))
	var output map[string]any
	if err := client.Call(ctx, dialConfiguration.action, json.RawMessage(dialConfiguration.input), &output); err != nil {
		return fmt.Errorf("action call failed: %w", err)
	}

	fmt.Printf("result: %v\n", output)
	fmt.Printf("round-trip time: %s\n", ref.RoundTripTime())
	return nil
}

func serveMetrics(address string, logger *logging.Logger, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Infof("serving metrics on %s", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Warnf("metrics server failed: %v", err)
	}
}

func main() {
	if !rootcmd.PerformingShellCompletion {
		rootcmd.HandleTerminalCompatibility()
	}
	if err := rootCommand.Execute(); err != nil {
		rootcmd.Fatal(err)
	}
}
