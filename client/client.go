package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"Blockwise/internal/block"
	"Blockwise/internal/coap"
	"Blockwise/internal/logger"
)

const (
	// DefaultBlockSize is the block size used when none is configured.
	DefaultBlockSize = 1024

	// etagLength is the size of the generated transfer tag.
	etagLength = 4
)

// ErrUnexpectedResponse is returned when the receiver answers out of protocol.
var ErrUnexpectedResponse = errors.New("unexpected block response")

// Request is one block upload as seen by a transport.
type Request struct {
	Path    string // Path is the upload target
	ETag    []byte // ETag is the transfer tag
	Block1  []byte // Block1 is the encoded block option
	Payload []byte // Payload is the block content
}

// Response is the receiver's answer to one block.
type Response struct {
	Code       coap.Code // Code is the CoAP response code
	Block1     []byte    // Block1 is the echoed block option
	Diagnostic string    // Diagnostic explains a failure
}

// Transport carries block requests to a receiver.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
	Close() error
}

// StatusError is returned when the receiver rejects a block.
type StatusError struct {
	Code       coap.Code // Code is the error response code
	Block      uint32    // Block is the rejected block number
	Diagnostic string    // Diagnostic is the receiver's explanation
}

func (e *StatusError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("block %d rejected with %s", e.Block, e.Code)
	}

	return fmt.Sprintf("block %d rejected with %s: %s", e.Block, e.Code, e.Diagnostic)
}

// Result summarizes a finished upload.
type Result struct {
	ETag     []byte        // ETag is the tag the transfer used
	Blocks   int           // Blocks is the number of blocks sent
	Bytes    int           // Bytes is the body length
	Duration time.Duration // Duration is the wall time of the upload
}

// Sender uploads bodies block by block over a transport.
type Sender struct {
	transport Transport
	szx       uint8
}

// NewSender creates a sender. blockSize must be a power of two in [16, 1024];
// zero selects DefaultBlockSize.
func NewSender(t Transport, blockSize int) (*Sender, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	szx, err := block.SZXForSize(blockSize)
	if err != nil {
		return nil, err
	}

	return &Sender{transport: t, szx: szx}, nil
}

// BlockSize returns the configured block size.
func (s *Sender) BlockSize() int {
	return 1 << (s.szx + 4)
}

// Put uploads body to path. Each block waits for 2.31 Continue before the
// next is sent; the final block must be answered with 2.04 Changed.
func (s *Sender) Put(ctx context.Context, path string, body []byte) (*Result, error) {
	etag := make([]byte, etagLength)
	if _, err := rand.Read(etag); err != nil {
		return nil, fmt.Errorf("generate etag:\n%w", err)
	}

	return s.PutTagged(ctx, path, etag, body)
}

// PutTagged is Put with a caller-chosen transfer tag.
func (s *Sender) PutTagged(ctx context.Context, path string, etag, body []byte) (*Result, error) {
	start := time.Now()
	size := s.BlockSize()

	var num uint32
	offset := 0

	for {
		end := min(offset+size, len(body))
		more := end < len(body)

		desc := block.Descriptor{Num: num, SZX: s.szx, More: more}

		opt, err := block.Encode(desc)
		if err != nil {
			return nil, fmt.Errorf("encode block %d:\n%w", num, err)
		}

		resp, err := s.transport.Send(ctx, Request{
			Path:    path,
			ETag:    etag,
			Block1:  opt,
			Payload: body[offset:end],
		})
		if err != nil {
			return nil, fmt.Errorf("send block %s:\n%w", desc, err)
		}

		if err := checkResponse(desc, resp); err != nil {
			return nil, err
		}

		if !more {
			logger.Debug("upload complete", "path", path, "blocks", num+1, "bytes", len(body), logger.Timed(start))

			return &Result{
				ETag:     etag,
				Blocks:   int(num) + 1,
				Bytes:    len(body),
				Duration: time.Since(start),
			}, nil
		}

		num++
		offset = end
	}
}

// Close closes the transport.
func (s *Sender) Close() error {
	return s.transport.Close()
}

// checkResponse validates the receiver's answer to the block described by desc.
func checkResponse(desc block.Descriptor, resp Response) error {
	if !resp.Code.IsSuccess() {
		return &StatusError{Code: resp.Code, Block: desc.Num, Diagnostic: resp.Diagnostic}
	}

	want := coap.Changed
	if desc.More {
		want = coap.Continue
	}

	if resp.Code != want {
		return fmt.Errorf("%w: block %s answered with %s", ErrUnexpectedResponse, desc, resp.Code)
	}

	if len(resp.Block1) > 0 {
		echo, err := block.Decode(resp.Block1)
		if err != nil || echo.Num != desc.Num {
			return fmt.Errorf("%w: block %s echoed as %x", ErrUnexpectedResponse, desc, resp.Block1)
		}
	}

	return nil
}
