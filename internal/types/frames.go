package types

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// minFrameSize is the smallest buffer that can hold a root table offset and vtable.
const minFrameSize = 8

// BuildBlockRequest serializes one block upload frame.
func BuildBlockRequest(method byte, path string, etag, block1, payload []byte) []byte {
	builder := flatbuffers.NewBuilder(64 + len(path) + len(etag) + len(block1) + len(payload))

	payloadVec := builder.CreateByteVector(payload)
	block1Vec := builder.CreateByteVector(block1)
	etagVec := builder.CreateByteVector(etag)
	pathOff := builder.CreateString(path)

	BlockRequestStart(builder)
	BlockRequestAddMethod(builder, method)
	BlockRequestAddPath(builder, pathOff)
	BlockRequestAddEtag(builder, etagVec)
	BlockRequestAddBlock1(builder, block1Vec)
	BlockRequestAddPayload(builder, payloadVec)
	builder.Finish(BlockRequestEnd(builder))

	return builder.FinishedBytes()
}

// BuildBlockResponse serializes one block acknowledgement frame.
func BuildBlockResponse(code byte, block1 []byte, diagnostic string) []byte {
	builder := flatbuffers.NewBuilder(64 + len(block1) + len(diagnostic))

	var block1Vec flatbuffers.UOffsetT
	if len(block1) > 0 {
		block1Vec = builder.CreateByteVector(block1)
	}

	var diagOff flatbuffers.UOffsetT
	if diagnostic != "" {
		diagOff = builder.CreateString(diagnostic)
	}

	BlockResponseStart(builder)
	BlockResponseAddCode(builder, code)

	if len(block1) > 0 {
		BlockResponseAddBlock1(builder, block1Vec)
	}

	if diagnostic != "" {
		BlockResponseAddDiagnostic(builder, diagOff)
	}

	builder.Finish(BlockResponseEnd(builder))

	return builder.FinishedBytes()
}

// ParseBlockRequest reads a request frame, touching every field so that
// out-of-range offsets fail here instead of in the caller.
func ParseBlockRequest(data []byte) (req *BlockRequest, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			req, retErr = nil, fmt.Errorf("malformed block request frame")
		}
	}()

	if len(data) < minFrameSize {
		return nil, fmt.Errorf("block request frame too short")
	}

	req = GetRootAsBlockRequest(data, 0)
	_ = req.Method()
	_ = req.Path()
	_ = req.EtagBytes()
	_ = req.Block1Bytes()
	_ = req.PayloadBytes()

	return req, nil
}

// ParseBlockResponse reads a response frame with the same guarantees as ParseBlockRequest.
func ParseBlockResponse(data []byte) (resp *BlockResponse, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			resp, retErr = nil, fmt.Errorf("malformed block response frame")
		}
	}()

	if len(data) < minFrameSize {
		return nil, fmt.Errorf("block response frame too short")
	}

	resp = GetRootAsBlockResponse(data, 0)
	_ = resp.Code()
	_ = resp.Block1Bytes()
	_ = resp.Diagnostic()

	return resp, nil
}
