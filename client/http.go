package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"Blockwise/internal/coap"
	"Blockwise/internal/delivery"
)

// HTTPTransport sends blocks through the HTTP gateway.
type HTTPTransport struct {
	base   string       // base is the gateway root URL
	client *http.Client // client performs the requests
}

// NewHTTPTransport creates a gateway transport for a node's HTTP address (e.g. "127.0.0.1:8080").
func NewHTTPTransport(addr string) *HTTPTransport {
	return &HTTPTransport{base: "http://" + addr, client: &http.Client{}}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	url := t.base + "/blocks/" + strings.TrimLeft(req.Path, "/")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(req.Payload))
	if err != nil {
		return Response{}, fmt.Errorf("build request:\n%w", err)
	}

	// Header values must be text; the gateway uses the header bytes as the tag
	httpReq.Header.Set("ETag", hex.EncodeToString(req.ETag))
	httpReq.Header.Set("Block1", hex.EncodeToString(req.Block1))
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("PUT %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	code, err := parseCode(resp.Header.Get("X-CoAP-Code"))
	if err != nil {
		return Response{}, fmt.Errorf("PUT %s: status %d: %w", url, resp.StatusCode, err)
	}

	out := Response{Code: code}

	if raw := resp.Header.Get("Block1"); raw != "" {
		if out.Block1, err = hex.DecodeString(raw); err != nil {
			return Response{}, fmt.Errorf("decode Block1 header:\n%w", err)
		}
	}

	if !code.IsSuccess() {
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			out.Diagnostic = body.Error
		}
	}

	return out, nil
}

// Close implements Transport.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// FetchDelivery downloads the latest completed body for path from a node's HTTP API.
func FetchDelivery(ctx context.Context, addr, path string) ([]byte, error) {
	url := "http://" + addr + "/deliveries/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// ListDeliveries returns the delivery records held by a node.
func ListDeliveries(ctx context.Context, addr string) ([]delivery.Record, error) {
	var recs []delivery.Record
	if err := httpGet(ctx, "http://"+addr+"/deliveries", &recs); err != nil {
		return nil, err
	}

	return recs, nil
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// parseCode reads a "c.dd" response code.
func parseCode(s string) (coap.Code, error) {
	var class, detail uint8
	if _, err := fmt.Sscanf(s, "%d.%d", &class, &detail); err != nil || class > 7 || detail > 31 {
		return 0, fmt.Errorf("invalid response code %q", s)
	}

	return coap.NewCode(class, detail), nil
}
