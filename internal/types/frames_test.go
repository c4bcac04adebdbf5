package types

import (
	"bytes"
	"testing"
)

func TestBlockRequest_Build(t *testing.T) {
	data := BuildBlockRequest(3, "sensors/temp", []byte{0xDE, 0xAD}, []byte{0x08}, []byte("ab"))

	req, err := ParseBlockRequest(data)
	if err != nil {
		t.Fatalf("ParseBlockRequest failed: %v", err)
	}

	if req.Method() != 3 {
		t.Errorf("method = %d, want 3", req.Method())
	}

	if string(req.Path()) != "sensors/temp" {
		t.Errorf("path = %q", req.Path())
	}

	if !bytes.Equal(req.EtagBytes(), []byte{0xDE, 0xAD}) {
		t.Errorf("etag = %x", req.EtagBytes())
	}

	if !bytes.Equal(req.Block1Bytes(), []byte{0x08}) || req.Block1Length() != 1 {
		t.Errorf("block1 = %x", req.Block1Bytes())
	}

	if string(req.PayloadBytes()) != "ab" {
		t.Errorf("payload = %q", req.PayloadBytes())
	}
}

func TestBlockResponse_OptionalFields(t *testing.T) {
	data := BuildBlockResponse(0x44, nil, "")

	resp, err := ParseBlockResponse(data)
	if err != nil {
		t.Fatalf("ParseBlockResponse failed: %v", err)
	}

	if resp.Code() != 0x44 {
		t.Errorf("code = %#x, want 0x44", resp.Code())
	}

	if resp.Block1Bytes() != nil || resp.Diagnostic() != nil {
		t.Errorf("absent fields present: block1=%x diag=%q", resp.Block1Bytes(), resp.Diagnostic())
	}

	data = BuildBlockResponse(0x82, nil, "bad option")
	resp, err = ParseBlockResponse(data)
	if err != nil {
		t.Fatalf("ParseBlockResponse failed: %v", err)
	}

	if string(resp.Diagnostic()) != "bad option" {
		t.Errorf("diagnostic = %q", resp.Diagnostic())
	}
}

func TestParseBlockRequest_Malformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x01, 0x02},
		bytes.Repeat([]byte{0xFF}, 16),
	}

	for _, in := range inputs {
		if _, err := ParseBlockRequest(in); err == nil {
			t.Errorf("ParseBlockRequest(% x) accepted garbage", in)
		}
	}
}
