package main

import (
	"fmt"
	"os"

	"Blockwise/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := loadConfig(os.Args)
	if err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("set log level:\n%w", err)
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting blockd",
		"coap", cfg.CoAPAddress,
		"quic", cfg.QUICAddress,
		"http", cfg.HTTPAddress,
		"backend", cfg.Backend,
		"max_body_size", cfg.MaxBodySize,
		"stale_after", cfg.StaleAfter,
		"codec", cfg.DeliveryCodec,
	)
}
