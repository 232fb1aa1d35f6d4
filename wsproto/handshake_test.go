package wsproto

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseRequestUpgrade(t *testing.T) {
	raw := "GET /abcd-1234?foo=bar HTTP/1.1\r\n" +
		"Host: 127.0.0.1:9229\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"

	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Method != "GET" {
		t.Fatalf("got method %q", req.Method)
	}
	if req.Path != "/abcd-1234" {
		t.Fatalf("expected query string discarded, got path %q", req.Path)
	}
	if !req.IsUpgrade() {
		t.Fatalf("expected IsUpgrade() to be true")
	}
}

func TestParseRequestPathIsCaseSensitive(t *testing.T) {
	raw := "GET /Abc HTTP/1.1\r\nHost: x\r\n\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Path != "/Abc" {
		t.Fatalf("path was case-folded: %q", req.Path)
	}
}

func TestIsUpgradeRequiresAllThreeHeaders(t *testing.T) {
	cases := []string{
		"GET / HTTP/1.1\r\nConnection: Upgrade\r\nSec-WebSocket-Key: x\r\n\r\n",
		"GET / HTTP/1.1\r\nUpgrade: websocket\r\nSec-WebSocket-Key: x\r\n\r\n",
		"GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n",
	}
	for _, raw := range cases {
		req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
		if err != nil {
			t.Fatalf("ParseRequest: %v", err)
		}
		if req.IsUpgrade() {
			t.Fatalf("expected IsUpgrade() false for %q", raw)
		}
	}
}

func TestIsUpgradeConnectionTokenList(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nUpgrade: websocket\r\nConnection: keep-alive, Upgrade\r\nSec-WebSocket-Key: x\r\n\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if !req.IsUpgrade() {
		t.Fatalf("expected token-list Connection header to satisfy IsUpgrade()")
	}
}

func TestAcceptKeyMatchesRFC6455Example(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWriteUpgradeResponseNoSubprotocol(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := WriteUpgradeResponse(bw, "dGhlIHNhbXBsZSBub25jZQ=="); err != nil {
		t.Fatalf("WriteUpgradeResponse: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "101 Switching Protocols") {
		t.Fatalf("missing 101 status: %q", out)
	}
	if !strings.Contains(out, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("missing correct accept hash: %q", out)
	}
	if strings.Contains(out, "Sec-WebSocket-Protocol") {
		t.Fatalf("must never send Sec-WebSocket-Protocol: %q", out)
	}
}

func TestWriteJSONResponseHeaders(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := WriteJSONResponse(bw, 200, []byte(`[]`)); err != nil {
		t.Fatalf("WriteJSONResponse: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Content-Type: application/json; charset=UTF-8") {
		t.Fatalf("missing content type: %q", out)
	}
	if !strings.Contains(out, "Cache-Control: no-cache") {
		t.Fatalf("missing cache-control: %q", out)
	}
	if !strings.Contains(out, "Connection: close") {
		t.Fatalf("missing connection close: %q", out)
	}
	if !strings.HasSuffix(out, "[]") {
		t.Fatalf("body not written last: %q", out)
	}
}
