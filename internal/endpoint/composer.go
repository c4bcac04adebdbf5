package endpoint

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"Blockwise/internal/block"
	"Blockwise/internal/coap"
	"Blockwise/internal/delivery"
	"Blockwise/internal/logger"
	"Blockwise/internal/reassembly"
	"Blockwise/internal/transfer"
)

// Response is the transport-neutral answer to one block request.
type Response struct {
	Code       coap.Code        // Code is the CoAP response code
	Block1     []byte           // Block1 echoes the received block option on success
	Diagnostic string           // Diagnostic explains a failure
	Delivery   *delivery.Record // Delivery is set when the block completed a stored transfer
}

// Config configures a Composer.
type Config struct {
	Sink        *delivery.Sink // Sink receives completed bodies; nil discards them
	MaxBodySize int            // MaxBodySize is advertised in Size1 on 4.13 responses
}

// Composer turns engine outcomes into response codes.
type Composer struct {
	engine      *reassembly.Engine
	sink        *delivery.Sink
	deliver     deliverFunc
	maxBodySize int
}

// deliverFunc hands a completed body to the sink.
type deliverFunc func(path string, id transfer.Identity, lastBlock uint32, body []byte) (*delivery.Record, error)

// NewComposer creates a composer in front of an engine.
func NewComposer(engine *reassembly.Engine, cfg Config) *Composer {
	c := &Composer{
		engine:      engine,
		sink:        cfg.Sink,
		maxBodySize: cfg.MaxBodySize,
	}

	if cfg.Sink != nil {
		c.deliver = cfg.Sink.Deliver
	}

	return c
}

// Engine returns the underlying engine.
func (c *Composer) Engine() *reassembly.Engine {
	return c.engine
}

// Sink returns the delivery sink, or nil.
func (c *Composer) Sink() *delivery.Sink {
	return c.sink
}

// Handle processes one block request and never panics.
func (c *Composer) Handle(ctx context.Context, md transfer.Metadata, blockOpt, payload []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("block handler panic", "path", md.Path, "sender", md.Sender, "panic", r, "stack", string(debug.Stack()))
			resp = Response{Code: coap.InternalServerError, Diagnostic: "internal error"}
		}
	}()

	out, err := c.engine.HandleBlock(ctx, md, blockOpt, payload)
	if err != nil {
		return Response{Code: StatusCode(err), Diagnostic: diagnostic(err)}
	}

	resp = Response{Block1: out.Echo}

	if out.Status == reassembly.ContinueAccepted {
		resp.Code = coap.Continue
		return resp
	}

	resp.Code = coap.Changed

	if out.State == reassembly.Complete && c.deliver != nil {
		resp.Delivery = c.handOff(md.Path, out)
	}

	return resp
}

// handOff delivers a completed body. The transfer has already left the store,
// so a failure is only logged and the block still answers as finished.
func (c *Composer) handOff(path string, out reassembly.Outcome) (rec *delivery.Record) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("delivery panic", "transfer", out.ID, "path", path, "size", len(out.Body), "panic", r)
			rec = nil
		}
	}()

	rec, err := c.deliver(path, out.ID, out.Ack.Num, out.Body)
	if err != nil {
		logger.Error("delivery failed", "transfer", out.ID, "path", path, "size", len(out.Body), "error", err)
		return nil
	}

	return rec
}

// StatusCode maps a block handling error to its response code.
func StatusCode(err error) coap.Code {
	switch {
	case errors.Is(err, block.ErrMalformedDescriptor):
		return coap.BadOption
	case errors.Is(err, transfer.ErrMissingTransferTag),
		errors.Is(err, transfer.ErrMissingSenderAddress):
		return coap.BadRequest
	case errors.Is(err, reassembly.ErrTransferTooLarge):
		return coap.RequestEntityTooLarge
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return coap.ServiceUnavailable
	default:
		return coap.InternalServerError
	}
}

// diagnostic returns the client-facing explanation for err.
// Unclassified errors are not exposed.
func diagnostic(err error) string {
	for _, sentinel := range []error{
		block.ErrMalformedDescriptor,
		transfer.ErrMissingTransferTag,
		transfer.ErrMissingSenderAddress,
		reassembly.ErrTransferTooLarge,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}

	return "internal error"
}

// String renders a response for logs.
func (r Response) String() string {
	if r.Diagnostic != "" {
		return fmt.Sprintf("%s (%s)", r.Code, r.Diagnostic)
	}

	return r.Code.String()
}
