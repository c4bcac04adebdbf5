package reassembly

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"Blockwise/internal/block"
	"Blockwise/internal/logger"
	"Blockwise/internal/transfer"
)

// State is the per-transfer state reported after a block is handled.
type State int

const (
	// InProgress means more blocks are needed.
	InProgress State = iota

	// Complete means the block finished the transfer.
	Complete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Status is the acknowledgement semantics to send back to the sender.
type Status int

const (
	// ContinueAccepted acknowledges a block when more are expected.
	ContinueAccepted Status = iota

	// FinishedAccepted acknowledges the final block.
	FinishedAccepted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case ContinueAccepted:
		return "continue-accepted"
	case FinishedAccepted:
		return "finished-accepted"
	default:
		return "unknown"
	}
}

// Outcome is the result of handling one block.
type Outcome struct {
	ID     transfer.Identity // ID is the resolved transfer identity
	State  State             // State is InProgress or Complete
	Status Status            // Status selects the acknowledgement code
	Ack    block.Descriptor  // Ack is the descriptor to acknowledge (the received one)
	Echo   []byte            // Echo is a copy of the received block option bytes
	Body   []byte            // Body is the reassembled body when State is Complete
}

// EngineStats are cumulative engine counters.
type EngineStats struct {
	Blocks        uint64 `json:"blocks"`        // Blocks is the number of blocks accepted
	Bytes         uint64 `json:"bytes"`         // Bytes is the payload volume accepted
	Completed     uint64 `json:"completed"`     // Completed is the number of finished transfers
	Malformed     uint64 `json:"malformed"`     // Malformed counts undecodable descriptors
	MissingTag    uint64 `json:"missingTag"`    // MissingTag counts requests without ETag
	MissingSender uint64 `json:"missingSender"` // MissingSender counts requests without address
	TooLarge      uint64 `json:"tooLarge"`      // TooLarge counts transfers dropped for size
	Failed        uint64 `json:"failed"`        // Failed counts other failures
}

// Engine turns a stream of block requests into complete bodies.
type Engine struct {
	store Store

	blocks        atomic.Uint64
	bytes         atomic.Uint64
	completed     atomic.Uint64
	malformed     atomic.Uint64
	missingTag    atomic.Uint64
	missingSender atomic.Uint64
	tooLarge      atomic.Uint64
	failed        atomic.Uint64
}

// NewEngine creates an engine on top of a store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Store returns the engine's store.
func (e *Engine) Store() Store {
	return e.store
}

// HandleBlock processes one block request.
// Resolver and codec errors are returned unchanged; no failure mutates a
// transfer except ErrTransferTooLarge, which drops it.
func (e *Engine) HandleBlock(ctx context.Context, md transfer.Metadata, blockOpt, payload []byte) (Outcome, error) {
	id, err := transfer.Resolve(md)
	if err != nil {
		e.recordFailure(err)
		return Outcome{}, err
	}

	desc, err := block.Decode(blockOpt)
	if err != nil {
		e.recordFailure(err)
		return Outcome{}, err
	}

	// Abandoned before touching the store: nothing to undo
	if err := ctx.Err(); err != nil {
		e.recordFailure(err)
		return Outcome{}, err
	}

	body, err := e.store.Append(ctx, id, payload, !desc.More)
	if err != nil {
		e.recordFailure(err)
		logger.Warn("block rejected", "transfer", id, "block", desc, "error", err)
		return Outcome{}, fmt.Errorf("append block %s of %s:\n%w", desc, id, err)
	}

	e.blocks.Add(1)
	e.bytes.Add(uint64(len(payload)))

	out := Outcome{
		ID:     id,
		State:  InProgress,
		Status: ContinueAccepted,
		Ack:    desc,
		Echo:   append([]byte(nil), blockOpt...),
	}

	if body != nil {
		e.completed.Add(1)
		out.State = Complete
		out.Status = FinishedAccepted
		out.Body = body

		logger.Info("transfer complete", "transfer", id, "path", md.Path, "size", len(body), "last_block", desc.Num)

		return out, nil
	}

	logger.Debug("block accepted", "transfer", id, "block", desc, "bytes", len(payload))

	return out, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Blocks:        e.blocks.Load(),
		Bytes:         e.bytes.Load(),
		Completed:     e.completed.Load(),
		Malformed:     e.malformed.Load(),
		MissingTag:    e.missingTag.Load(),
		MissingSender: e.missingSender.Load(),
		TooLarge:      e.tooLarge.Load(),
		Failed:        e.failed.Load(),
	}
}

// recordFailure bumps the counter for the error's kind.
func (e *Engine) recordFailure(err error) {
	switch {
	case errors.Is(err, block.ErrMalformedDescriptor):
		e.malformed.Add(1)
	case errors.Is(err, transfer.ErrMissingTransferTag):
		e.missingTag.Add(1)
	case errors.Is(err, transfer.ErrMissingSenderAddress):
		e.missingSender.Add(1)
	case errors.Is(err, ErrTransferTooLarge):
		e.tooLarge.Add(1)
	default:
		e.failed.Add(1)
	}
}
