package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"Blockwise/internal/api"
	"Blockwise/internal/coap"
	"Blockwise/internal/delivery"
	"Blockwise/internal/endpoint"
	"Blockwise/internal/logger"
	"Blockwise/internal/network"
	"Blockwise/internal/reassembly"
	"Blockwise/internal/storage"
)

// Node represents a running receiver.
type Node struct {
	cfg      *Config
	redis    *redis.Client
	store    reassembly.Store
	reaper   *reassembly.Reaper
	storage  *storage.Storage
	sink     *delivery.Sink
	composer *endpoint.Composer
	coap     *coap.Server
	network  *network.Node
	api      *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStore(); err != nil {
		return nil, err
	}

	if err := n.initDelivery(); err != nil {
		n.Close()
		return nil, err
	}

	n.composer = endpoint.NewComposer(reassembly.NewEngine(n.store), endpoint.Config{
		Sink:        n.sink,
		MaxBodySize: cfg.MaxBodySize,
	})

	if err := n.initCoAP(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	if cfg.HTTPAddress != "" {
		n.api = api.New(api.Config{Addr: cfg.HTTPAddress, Composer: n.composer, CoAP: n.coapStats()})
	}

	return n, nil
}

// initStore creates the reassembly store for the configured backend.
func (n *Node) initStore() error {
	if n.cfg.Backend != "redis" {
		n.store = reassembly.NewMemoryStore(reassembly.MemoryConfig{
			Shards:      n.cfg.Shards,
			MaxBodySize: n.cfg.MaxBodySize,
		})
		return nil
	}

	n.redis = redis.NewClient(&redis.Options{
		Addr:     n.cfg.RedisAddr,
		Password: n.cfg.RedisPassword,
		DB:       n.cfg.RedisDB,
	})

	rs := reassembly.NewRedisStore(n.redis, reassembly.RedisConfig{
		Prefix:      n.cfg.RedisPrefix,
		MaxBodySize: n.cfg.MaxBodySize,
		StaleAfter:  n.cfg.StaleAfter,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rs.Ping(ctx); err != nil {
		n.redis.Close()
		return fmt.Errorf("connect redis %s:\n%w", n.cfg.RedisAddr, err)
	}

	n.store = rs

	return nil
}

// initDelivery opens the in-memory delivery store.
func (n *Node) initDelivery() error {
	codec, err := delivery.ParseCodec(n.cfg.DeliveryCodec)
	if err != nil {
		return err
	}

	n.storage, err = storage.NewMemory(storage.Config{CacheSize: n.cfg.DeliveryCache})
	if err != nil {
		return fmt.Errorf("open delivery storage:\n%w", err)
	}

	n.sink, err = delivery.New(n.storage, delivery.Config{
		Codec:     codec,
		Retention: n.cfg.DeliveryRetention,
	})
	if err != nil {
		return fmt.Errorf("create delivery sink:\n%w", err)
	}

	return nil
}

// initCoAP creates the CoAP endpoint.
func (n *Node) initCoAP() error {
	if n.cfg.CoAPAddress == "" {
		return nil
	}

	srv, err := coap.NewServer(coap.ServerConfig{
		ListenAddr:       n.cfg.CoAPAddress,
		Workers:          n.cfg.CoAPWorkers,
		QueueSize:        n.cfg.CoAPQueue,
		ExchangeLifetime: n.cfg.ExchangeLifetime,
	}, n.composer)
	if err != nil {
		return fmt.Errorf("create coap server:\n%w", err)
	}

	n.coap = srv

	return nil
}

// initNetwork creates the QUIC endpoint.
func (n *Node) initNetwork() error {
	if n.cfg.QUICAddress == "" {
		return nil
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("create network:\n%w", err)
	}

	node.OnRequest(n.composer.HandleFrame)
	node.OnConnect(func(p *network.Peer) {
		logger.Debug("sender connected", "peer", p.Address())
	})
	node.OnDisconnect(func(p *network.Peer) {
		logger.Debug("sender disconnected", "peer", p.Address())
	})

	n.network = node

	return nil
}

// coapStats returns the CoAP counters for the API, or nil when CoAP is disabled.
func (n *Node) coapStats() api.CoAPStats {
	if n.coap == nil {
		return nil
	}

	return n.coap
}

// Start opens every configured listener and the background loops.
func (n *Node) Start() error {
	if n.coap != nil {
		if err := n.coap.Start(); err != nil {
			return fmt.Errorf("start coap:\n%w", err)
		}
	}

	if n.network != nil {
		if err := n.network.Start(); err != nil {
			return fmt.Errorf("start network:\n%w", err)
		}
	}

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	n.reaper = reassembly.NewReaper(n.store, n.cfg.EvictInterval, n.cfg.StaleAfter)
	n.reaper.Start()

	n.sink.Start()

	return nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
// Listeners stop first so no request reaches a closed store.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.coap != nil {
		n.coap.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.reaper != nil {
		n.reaper.Close()
	}

	if n.sink != nil {
		n.sink.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	if n.redis != nil {
		n.redis.Close()
	}

	return nil
}
