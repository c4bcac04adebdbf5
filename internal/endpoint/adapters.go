package endpoint

import (
	"context"
	"encoding/binary"
	"strings"

	"Blockwise/internal/coap"
	"Blockwise/internal/logger"
	"Blockwise/internal/network"
	"Blockwise/internal/transfer"
	"Blockwise/internal/types"
)

// ServeCoAP answers a CoAP block upload.
// A missing Block1 option is reported as a malformed descriptor.
func (c *Composer) ServeCoAP(ctx context.Context, req *coap.Request) *coap.Message {
	msg := req.Message

	if msg.Code != coap.PUT && msg.Code != coap.POST {
		return &coap.Message{Code: coap.MethodNotAllowed, Payload: []byte("block uploads use PUT or POST")}
	}

	etag, _ := msg.Option(coap.ETag)
	blockOpt, _ := msg.Option(coap.Block1)

	md := transfer.Metadata{
		Path:   msg.Path(),
		Sender: req.Peer,
		ETag:   etag,
	}

	resp := c.Handle(ctx, md, blockOpt, msg.Payload)

	out := &coap.Message{Code: resp.Code}

	if len(resp.Block1) > 0 {
		out.SetOption(coap.Block1, resp.Block1)
	}

	if resp.Code == coap.RequestEntityTooLarge && c.maxBodySize > 0 {
		out.SetOption(coap.Size1, encodeUint(uint32(c.maxBodySize)))
	}

	if resp.Diagnostic != "" {
		out.Payload = []byte(resp.Diagnostic)
	}

	if !resp.Code.IsSuccess() {
		logger.Debug("coap block rejected", "peer", req.Peer, "path", md.Path, "response", resp)
	}

	return out
}

// HandleFrame answers a QUIC block upload frame.
func (c *Composer) HandleFrame(ctx context.Context, p *network.Peer, data []byte) ([]byte, error) {
	req, err := types.ParseBlockRequest(data)
	if err != nil {
		logger.Debug("bad block frame", "peer", p.Address(), "error", err)
		return types.BuildBlockResponse(byte(coap.BadRequest), nil, err.Error()), nil
	}

	method := coap.Code(req.Method())
	if method != coap.PUT && method != coap.POST {
		return types.BuildBlockResponse(byte(coap.MethodNotAllowed), nil, "block uploads use PUT or POST"), nil
	}

	md := transfer.Metadata{
		Path:   strings.Trim(string(req.Path()), "/"),
		Sender: p.Address(),
		ETag:   req.EtagBytes(),
	}

	resp := c.Handle(ctx, md, req.Block1Bytes(), req.PayloadBytes())

	return types.BuildBlockResponse(byte(resp.Code), resp.Block1, resp.Diagnostic), nil
}

// encodeUint renders an unsigned option value in its shortest form.
func encodeUint(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}

	return buf[i:]
}
