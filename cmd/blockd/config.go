package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akamensky/argparse"
	"github.com/spf13/viper"
)

// Config holds the daemon configuration.
type Config struct {
	// CoAPAddress is the CoAP/UDP listen address. Empty disables CoAP.
	CoAPAddress string

	// CoAPWorkers is the number of CoAP handler goroutines (0 = GOMAXPROCS).
	CoAPWorkers int

	// CoAPQueue is the datagram backlog between the reader and the workers.
	CoAPQueue int

	// ExchangeLifetime bounds CoAP retransmission deduplication.
	ExchangeLifetime time.Duration

	// QUICAddress is the QUIC listen address. Empty disables QUIC.
	QUICAddress string

	// KeyPath is the path to the Ed25519 QUIC identity key file.
	KeyPath string

	// PrivateKey is the node's QUIC identity.
	PrivateKey ed25519.PrivateKey

	// HTTPAddress is the HTTP API listen address. Empty disables HTTP.
	HTTPAddress string

	// Backend selects the reassembly store: "memory" or "redis".
	Backend string

	// Shards is the number of memory store lock shards.
	Shards int

	// MaxBodySize caps a transfer's body in bytes (0 = unlimited).
	MaxBodySize int

	// StaleAfter is how long an idle transfer is kept.
	StaleAfter time.Duration

	// EvictInterval is the period of the stale transfer sweep.
	EvictInterval time.Duration

	// RedisAddr is the Redis server address.
	RedisAddr string

	// RedisPassword authenticates to Redis.
	RedisPassword string

	// RedisDB is the Redis database index.
	RedisDB int

	// RedisPrefix namespaces transfer keys.
	RedisPrefix string

	// DeliveryCodec compresses completed bodies: "zstd", "lz4" or "none".
	DeliveryCodec string

	// DeliveryRetention is how long completed bodies are kept (negative = forever).
	DeliveryRetention time.Duration

	// DeliveryCache is the delivery store block cache size in bytes.
	DeliveryCache int64

	// LogLevel is the minimum log level.
	LogLevel string
}

// setDefaults registers every configuration key with its default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("coap.listen", ":5683")
	v.SetDefault("coap.workers", 0)
	v.SetDefault("coap.queue", 1024)
	v.SetDefault("coap.exchange_lifetime", 247*time.Second)

	v.SetDefault("quic.listen", ":9000")
	v.SetDefault("quic.key", "")

	v.SetDefault("http.listen", ":8080")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.shards", 32)
	v.SetDefault("store.max_body_size", 1<<20)
	v.SetDefault("store.stale_after", 2*time.Minute)
	v.SetDefault("store.evict_interval", 30*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "blockwise:transfer:")

	v.SetDefault("delivery.codec", "zstd")
	v.SetDefault("delivery.retention", time.Hour)
	v.SetDefault("delivery.cache_size", 16<<20)

	v.SetDefault("log.level", "info")
}

// loadConfig parses args (including the program name) and merges them over
// the config file, BLOCKD_* environment variables and defaults.
func loadConfig(args []string) (*Config, error) {
	parser := argparse.NewParser("blockd", "Block-wise transfer receiver")

	configPath := parser.String("c", "config", &argparse.Options{Help: "YAML config file"})
	coapAddr := parser.String("", "coap", &argparse.Options{Help: "CoAP/UDP listen address"})
	quicAddr := parser.String("", "quic", &argparse.Options{Help: "QUIC listen address"})
	httpAddr := parser.String("", "http", &argparse.Options{Help: "HTTP API listen address"})
	keyPath := parser.String("k", "key", &argparse.Options{Help: "Ed25519 key path for QUIC (generates new if missing)"})
	backend := parser.Selector("b", "backend", []string{"memory", "redis"}, &argparse.Options{Help: "Reassembly store backend"})
	logLevel := parser.Selector("l", "log-level", []string{"debug", "info", "warn", "error"}, &argparse.Options{Help: "Log level"})

	if err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("%s", parser.Usage(err))
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configPath != "" {
		v.SetConfigFile(*configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s:\n%w", *configPath, err)
		}
	}

	// Flags win over file and environment
	overrides := map[string]string{
		"coap.listen":   *coapAddr,
		"quic.listen":   *quicAddr,
		"http.listen":   *httpAddr,
		"quic.key":      *keyPath,
		"store.backend": *backend,
		"log.level":     *logLevel,
	}

	for key, value := range overrides {
		if value != "" {
			v.Set(key, value)
		}
	}

	cfg := &Config{
		CoAPAddress:       v.GetString("coap.listen"),
		CoAPWorkers:       v.GetInt("coap.workers"),
		CoAPQueue:         v.GetInt("coap.queue"),
		ExchangeLifetime:  v.GetDuration("coap.exchange_lifetime"),
		QUICAddress:       v.GetString("quic.listen"),
		KeyPath:           v.GetString("quic.key"),
		HTTPAddress:       v.GetString("http.listen"),
		Backend:           v.GetString("store.backend"),
		Shards:            v.GetInt("store.shards"),
		MaxBodySize:       v.GetInt("store.max_body_size"),
		StaleAfter:        v.GetDuration("store.stale_after"),
		EvictInterval:     v.GetDuration("store.evict_interval"),
		RedisAddr:         v.GetString("redis.addr"),
		RedisPassword:     v.GetString("redis.password"),
		RedisDB:           v.GetInt("redis.db"),
		RedisPrefix:       v.GetString("redis.prefix"),
		DeliveryCodec:     v.GetString("delivery.codec"),
		DeliveryRetention: v.GetDuration("delivery.retention"),
		DeliveryCache:     v.GetInt64("delivery.cache_size"),
		LogLevel:          v.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate rejects inconsistent settings.
func (c *Config) validate() error {
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("unknown store backend %q", c.Backend)
	}

	if c.CoAPAddress == "" && c.QUICAddress == "" && c.HTTPAddress == "" {
		return fmt.Errorf("no listener configured")
	}

	if c.MaxBodySize < 0 {
		return fmt.Errorf("store.max_body_size must not be negative")
	}

	if c.StaleAfter <= 0 || c.EvictInterval <= 0 {
		return fmt.Errorf("store.stale_after and store.evict_interval must be positive")
	}

	return nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
