// Command discv5d runs a standalone discv5 node: it generates or loads a
// static identity key, binds a UDP socket, and joins the network through
// whatever bootnodes are configured.
//
// Usage:
//
//	discv5d [flags]
//
// Flags:
//
//	--datadir      Data directory path (default: ~/.discv5)
//	--addr         UDP listen address (default: :30303)
//	--bootnode     enr:... bootstrap record; may be repeated
//	--verbosity    Log level: debug, info, warn, error (default: info)
//	--log-format   Log output format: json, text, color (default: json)
//	--metrics      Enable the Prometheus metrics exporter (default: false)
//	--metrics-addr HTTP listen address for the metrics exporter
//	--version      Print version and exit
package main

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eth2030/discv5"
	"github.com/eth2030/discv5/identity"
	"github.com/eth2030/discv5/log"
	"github.com/eth2030/discv5/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, bootnodes, exit, code := parseFlags(args)
	if exit {
		return code
	}

	lg := newLogger(cfg)
	log.SetDefault(lg)

	lg.Info("discv5d starting",
		"version", version,
		"datadir", cfg.DataDir,
		"addr", cfg.ListenAddr,
		"metrics", cfg.Metrics,
	)

	if err := cfg.Validate(); err != nil {
		lg.Error("invalid configuration", "err", err)
		return 1
	}
	if err := cfg.InitDataDir(); err != nil {
		lg.Error("failed to initialize datadir", "err", err)
		return 1
	}

	key, err := loadOrCreateKey(cfg.KeyFilePath())
	if err != nil {
		lg.Error("failed to load identity key", "err", err)
		return 1
	}

	store := identity.NewFileStore(cfg.NodeDir())

	svc, err := discv5.New(discv5.Config{
		Node:   cfg,
		Key:    key,
		Store:  store,
		Logger: lg.Module("discv5"),
	})
	if err != nil {
		lg.Error("failed to construct service", "err", err)
		return 1
	}

	if err := svc.Start(); err != nil {
		lg.Error("failed to start service", "err", err)
		return 1
	}
	lg.Info("node id", "id", fmt.Sprintf("%x", svc.NodeID()))

	for _, raw := range bootnodes {
		data, err := decodeBootnodeENR(raw)
		if err != nil {
			lg.Warn("skipping malformed bootnode", "bootnode", raw, "err", err)
			continue
		}
		if err := svc.AddBootnode(data); err != nil {
			lg.Warn("failed to add bootnode", "bootnode", raw, "err", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	lg.Info("received signal, shutting down", "signal", sig.String())

	if err := svc.Stop(); err != nil {
		lg.Error("error during shutdown", "err", err)
		return 1
	}
	lg.Info("shutdown complete")
	return 0
}

// decodeBootnodeENR decodes a textual "enr:<base64url>" bootstrap record
// into the raw RLP bytes enr.DecodeENR expects.
func decodeBootnodeENR(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "enr:")
	return base64.RawURLEncoding.DecodeString(s)
}

// loadOrCreateKey reads the static identity key from path, generating and
// persisting a new one if none exists yet.
func loadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	if key, err := crypto.LoadECDSA(path); err == nil {
		return key, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("persist identity key: %w", err)
	}
	return key, nil
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg node.Config) *log.Logger {
	level := log.ParseLevel(cfg.LogLevel)
	switch cfg.LogFormat {
	case "text":
		return log.NewConsole(level, false)
	case "color":
		return log.NewConsole(level, true)
	default:
		return log.New(level)
	}
}

// parseFlags parses CLI arguments into a Config plus the bootnode list.
// Returns whether the caller should exit immediately, and the exit code.
func parseFlags(args []string) (cfg node.Config, bootnodes []string, exit bool, code int) {
	cfg = node.DefaultConfig()
	fs := newCustomFlagSet("discv5d")
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory path")
	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "UDP listen address")
	fs.StringVar(&cfg.LogLevel, "verbosity", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (json, text, color)")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable the Prometheus metrics exporter")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "metrics exporter HTTP listen address")
	fs.StringsVar(&bootnodes, "bootnode", "enr:... bootstrap record (may be repeated)")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, nil, true, 2
	}
	if *showVersion {
		fmt.Printf("discv5d %s (commit %s)\n", version, commit)
		return cfg, nil, true, 0
	}
	return cfg, bootnodes, false, 0
}
