package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/akamensky/argparse"

	"Blockwise/client"
	"Blockwise/internal/coap"
	"Blockwise/internal/logger"
)

func main() {
	logger.Init()

	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run uploads one file block-wise.
func run(args []string) error {
	parser := argparse.NewParser("blockput", "Upload a file with block-wise transfer")

	addr := parser.String("a", "addr", &argparse.Options{Required: true, Help: "Receiver address (host:port)"})
	transport := parser.Selector("t", "transport", []string{"coap", "quic", "http"}, &argparse.Options{Default: "coap", Help: "Transport to the receiver"})
	path := parser.String("p", "path", &argparse.Options{Required: true, Help: "Upload target path"})
	blockSize := parser.Int("b", "block-size", &argparse.Options{Default: client.DefaultBlockSize, Help: "Block size in bytes (16-1024, power of two)"})
	file := parser.String("f", "file", &argparse.Options{Required: true, Help: "File to upload"})
	timeout := parser.Int("", "timeout", &argparse.Options{Default: 60, Help: "Upload timeout in seconds"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Log every block"})

	if err := parser.Parse(args); err != nil {
		return fmt.Errorf("%s", parser.Usage(err))
	}

	if *verbose {
		logger.SetLevel("debug")
	}

	body, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read %s:\n%w", *file, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	t, err := dial(ctx, *transport, *addr)
	if err != nil {
		return fmt.Errorf("connect %s:\n%w", *addr, err)
	}

	sender, err := client.NewSender(t, *blockSize)
	if err != nil {
		t.Close()
		return err
	}
	defer sender.Close()

	res, err := sender.Put(ctx, *path, body)
	if err != nil {
		return fmt.Errorf("upload:\n%w", err)
	}

	logger.Info("upload complete",
		"path", *path,
		"etag", hex.EncodeToString(res.ETag),
		"blocks", res.Blocks,
		"bytes", res.Bytes,
		"elapsed", res.Duration,
	)

	return nil
}

// dial opens the selected transport.
func dial(ctx context.Context, kind, addr string) (client.Transport, error) {
	switch kind {
	case "quic":
		return client.DialQUIC(ctx, addr)
	case "http":
		return client.NewHTTPTransport(addr), nil
	default:
		return client.DialCoAP(addr, coap.ClientConfig{})
	}
}
