package client

import (
	"context"
	"fmt"

	"Blockwise/internal/coap"
	"Blockwise/internal/network"
	"Blockwise/internal/types"
)

// CoAPTransport sends blocks as confirmable CoAP PUT requests.
type CoAPTransport struct {
	client *coap.Client
}

// DialCoAP connects to a CoAP receiver.
func DialCoAP(addr string, cfg coap.ClientConfig) (*CoAPTransport, error) {
	c, err := coap.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}

	return &CoAPTransport{client: c}, nil
}

// Send implements Transport.
func (t *CoAPTransport) Send(ctx context.Context, req Request) (Response, error) {
	msg := &coap.Message{Type: coap.Confirmable, Code: coap.PUT, Payload: req.Payload}
	msg.SetPath(req.Path)
	msg.SetOption(coap.ETag, req.ETag)
	msg.SetOption(coap.Block1, req.Block1)

	resp, err := t.client.Do(ctx, msg)
	if err != nil {
		return Response{}, err
	}

	echo, _ := resp.Option(coap.Block1)

	out := Response{Code: resp.Code, Block1: echo}
	if !resp.Code.IsSuccess() {
		out.Diagnostic = string(resp.Payload)
	}

	return out, nil
}

// Close implements Transport.
func (t *CoAPTransport) Close() error {
	return t.client.Close()
}

// QUICTransport sends blocks as FlatBuffers frames over QUIC.
type QUICTransport struct {
	node *network.Node
	peer *network.Peer
}

// DialQUIC connects to a QUIC receiver.
func DialQUIC(ctx context.Context, addr string) (*QUICTransport, error) {
	node, err := network.NewNode(network.Config{})
	if err != nil {
		return nil, err
	}

	peer, err := node.Connect(ctx, addr)
	if err != nil {
		node.Close()
		return nil, err
	}

	return &QUICTransport{node: node, peer: peer}, nil
}

// Send implements Transport.
func (t *QUICTransport) Send(ctx context.Context, req Request) (Response, error) {
	frame := types.BuildBlockRequest(byte(coap.PUT), req.Path, req.ETag, req.Block1, req.Payload)

	data, err := t.peer.Request(ctx, frame)
	if err != nil {
		return Response{}, err
	}

	resp, err := types.ParseBlockResponse(data)
	if err != nil {
		return Response{}, fmt.Errorf("parse response:\n%w", err)
	}

	return Response{
		Code:       coap.Code(resp.Code()),
		Block1:     append([]byte(nil), resp.Block1Bytes()...),
		Diagnostic: string(resp.Diagnostic()),
	}, nil
}

// Close implements Transport.
func (t *QUICTransport) Close() error {
	return t.node.Close()
}
