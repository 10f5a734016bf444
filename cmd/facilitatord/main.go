// Command facilitatord runs the x402 facilitator: an HTTP service that
// verifies signed payments and settles them on chain, with optional
// policy enforcement and an MCP tool surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/viper"

	x402 "github.com/mark3labs/x402-facilitator"
	evmclient "github.com/mark3labs/x402-facilitator/chainclient/evm"
	svmclient "github.com/mark3labs/x402-facilitator/chainclient/svm"
	"github.com/mark3labs/x402-facilitator/facilitator"
	"github.com/mark3labs/x402-facilitator/mcpserver"
	"github.com/mark3labs/x402-facilitator/nonce"
	"github.com/mark3labs/x402-facilitator/policy"
	"github.com/mark3labs/x402-facilitator/scheme"
	evmscheme "github.com/mark3labs/x402-facilitator/scheme/evm"
	svmscheme "github.com/mark3labs/x402-facilitator/scheme/svm"
	"github.com/mark3labs/x402-facilitator/server"
)

// Config models facilitator.yaml plus X402_* environment overrides.
type Config struct {
	Listen    string `mapstructure:"listen"`
	MCPListen string `mapstructure:"mcpListen"`
	LogLevel  string `mapstructure:"logLevel"`

	PolicyFile string `mapstructure:"policyFile"`
	NonceDB    string `mapstructure:"nonceDB"`

	VerifyTimeoutMs     int64 `mapstructure:"verifyTimeoutMs"`
	SettleTimeoutMs     int64 `mapstructure:"settleTimeoutMs"`
	SweepIntervalMs     int64 `mapstructure:"sweepIntervalMs"`
	ReconcileIntervalMs int64 `mapstructure:"reconcileIntervalMs"`

	EVM []EVMNetworkConfig `mapstructure:"evm"`
	SVM []SVMNetworkConfig `mapstructure:"svm"`
}

// EVMNetworkConfig binds one EVM network to an RPC endpoint and the
// facilitator key that pays gas there.
type EVMNetworkConfig struct {
	Network    string `mapstructure:"network"`
	RPCURL     string `mapstructure:"rpcUrl"`
	PrivateKey string `mapstructure:"privateKey"`
}

// SVMNetworkConfig binds one Solana cluster to an RPC endpoint and the
// fee payer key.
type SVMNetworkConfig struct {
	Network     string `mapstructure:"network"`
	RPCURL      string `mapstructure:"rpcUrl"`
	FeePayerKey string `mapstructure:"feePayerKey"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("facilitatord failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Nonce storage: sqlite when a path is configured, memory otherwise.
	var store nonce.Store
	if cfg.NonceDB != "" {
		sqliteStore, err := nonce.OpenSQLiteStore(cfg.NonceDB)
		if err != nil {
			return err
		}
		store = sqliteStore
		logger.Info("nonce ledger persisted", "path", cfg.NonceDB)
	} else {
		store = nonce.NewMemoryStore()
		logger.Warn("nonce ledger is in-memory; a restart forgets consumed nonces")
	}
	ledger := nonce.NewLedger(store, logger)
	defer ledger.Close()

	var engine *policy.Engine
	if cfg.PolicyFile != "" {
		groups, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return err
		}
		engine = policy.NewEngine(groups)
		logger.Info("policy loaded", "path", cfg.PolicyFile, "groups", len(groups))
	} else {
		logger.Warn("no policy file configured; settlement is unrestricted")
	}

	registry := scheme.NewRegistry()

	timeouts := x402.DefaultTimeouts.
		WithVerifyTimeout(time.Duration(cfg.VerifyTimeoutMs) * time.Millisecond).
		WithSettleTimeout(time.Duration(cfg.SettleTimeoutMs) * time.Millisecond)

	opts := []facilitator.Option{
		facilitator.WithLedger(ledger),
		facilitator.WithTimeouts(timeouts),
		facilitator.WithLogger(logger),
	}
	if engine != nil {
		opts = append(opts, facilitator.WithPolicyEngine(engine))
	}

	var evmNetworks []string
	for _, nc := range cfg.EVM {
		client, err := evmclient.Dial(nc.RPCURL, nc.Network, nc.PrivateKey)
		if err != nil {
			return fmt.Errorf("evm network %s: %w", nc.Network, err)
		}
		defer client.Close()
		opts = append(opts, facilitator.WithChainClient(nc.Network, client))
		evmNetworks = append(evmNetworks, nc.Network)
		logger.Info("evm network configured", "network", nc.Network, "account", client.Address())
	}
	if len(evmNetworks) > 0 {
		registry.Register(evmNetworks, evmscheme.NewExactScheme())
	}

	for _, nc := range cfg.SVM {
		feePayer, err := solana.PrivateKeyFromBase58(nc.FeePayerKey)
		if err != nil {
			return fmt.Errorf("svm network %s: %w", nc.Network, x402.ErrInvalidKey)
		}
		client := svmclient.Dial(nc.RPCURL, feePayer)
		opts = append(opts, facilitator.WithChainClient(nc.Network, client))
		registry.Register([]string{nc.Network}, svmscheme.NewExactScheme(feePayer.PublicKey()))
		logger.Info("svm network configured", "network", nc.Network, "feePayer", feePayer.PublicKey())
	}

	f := facilitator.NewFacilitator(registry, opts...)

	go ledger.Run(ctx, time.Duration(cfg.SweepIntervalMs)*time.Millisecond)
	go f.Run(ctx, time.Duration(cfg.ReconcileIntervalMs)*time.Millisecond)
	if engine != nil {
		go prunePolicy(ctx, engine, time.Duration(cfg.SweepIntervalMs)*time.Millisecond)
	}

	var serverOpts []server.Option
	serverOpts = append(serverOpts, server.WithLogger(logger))
	if engine != nil {
		serverOpts = append(serverOpts, server.WithPolicyEngine(engine))
	}
	srv := server.New(f, serverOpts...)

	if cfg.MCPListen != "" {
		var mcpOpts []mcpserver.Option
		if engine != nil {
			mcpOpts = append(mcpOpts, mcpserver.WithPolicyEngine(engine))
		}
		mcp := mcpserver.New("x402-facilitator", "0.1.0", f, mcpOpts...)
		go func() {
			logger.Info("mcp listening", "addr", cfg.MCPListen)
			if err := http.ListenAndServe(cfg.MCPListen, mcp.Handler()); err != nil {
				logger.Error("mcp server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(cfg.Listen) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func prunePolicy(ctx context.Context, engine *policy.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.Prune()
		}
	}
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("facilitator")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/x402-facilitator")

	viper.SetEnvPrefix("X402")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8402")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("verifyTimeoutMs", 5_000)
	viper.SetDefault("settleTimeoutMs", 60_000)
	viper.SetDefault("sweepIntervalMs", 60_000)
	viper.SetDefault("reconcileIntervalMs", 30_000)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
