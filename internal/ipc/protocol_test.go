package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestMessageRoundtrip(t *testing.T) {
	req := HandshakeRequest{
		ClientName:      "test-client",
		ClientVersion:   "1.2.3",
		ProtocolVersion: ProtocolVersion,
	}
	msg, err := NewMessage(MsgHandshake, req)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	msg.RequestID = 42

	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(msg.Payload) {
		t.Errorf("encoded length = %d, want %d", buf.Len(), HeaderSize+len(msg.Payload))
	}

	decoded, err := DecodeMessage(&buf)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if decoded.Type != MsgHandshake {
		t.Errorf("type = 0x%04X, want 0x%04X", uint16(decoded.Type), uint16(MsgHandshake))
	}
	if decoded.RequestID != 42 {
		t.Errorf("request id = %d, want 42", decoded.RequestID)
	}
	if decoded.Flags&FlagJSON == 0 {
		t.Error("json flag not set")
	}

	var got HandshakeRequest
	if err := decoded.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if got != req {
		t.Errorf("payload = %+v, want %+v", got, req)
	}
}

func TestMessageEmptyPayload(t *testing.T) {
	msg, err := NewMessage(MsgPing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Errorf("encoded length = %d, want %d", buf.Len(), HeaderSize)
	}

	decoded, err := DecodeMessage(&buf)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(decoded.Payload))
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], 0xDEADBEEF)
	header[4] = ProtocolVersion

	_, err := DecodeMessage(bytes.NewReader(header))
	if err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("expected magic error, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], MagicNumber)
	header[4] = ProtocolVersion + 9

	_, err := DecodeMessage(bytes.NewReader(header))
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("expected version error, got %v", err)
	}
}

func TestDecodeRejectsOversizedPayload(t *testing.T) {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], MagicNumber)
	header[4] = ProtocolVersion
	binary.BigEndian.PutUint32(header[12:16], MaxMessageSize+1)

	_, err := DecodeMessage(bytes.NewReader(header))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestErrorMessage(t *testing.T) {
	req, err := NewMessage(MsgGetAnnotation, GetAnnotationRequest{ID: "missing"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	req.RequestID = 7

	errMsg := NewErrorMessage(req, ErrNotFound, "missing")
	if errMsg.Type != MsgError {
		t.Errorf("type = 0x%04X, want MsgError", uint16(errMsg.Type))
	}
	if errMsg.RequestID != 7 {
		t.Errorf("request id = %d, want 7", errMsg.RequestID)
	}

	var resp ErrorResponse
	if err := errMsg.DecodePayload(&resp); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if resp.Code != ErrNotFound {
		t.Errorf("code = %d, want ErrNotFound", resp.Code)
	}
	if resp.Detail != "missing" {
		t.Errorf("detail = %q, want %q", resp.Detail, "missing")
	}

	var asErr error = &resp
	var typed *ErrorResponse
	if !errors.As(asErr, &typed) {
		t.Error("ErrorResponse should satisfy errors.As")
	}
}

func TestDecodePayloadRequiresJSONFlag(t *testing.T) {
	msg := &Message{Type: MsgStatusRequest, Payload: []byte(`{"x":1}`)}
	var out map[string]int
	if err := msg.DecodePayload(&out); err == nil {
		t.Error("expected error for payload without json flag")
	}
}

func TestErrorCodeStrings(t *testing.T) {
	cases := map[ErrorCode]string{
		ErrNotFound:         "not found",
		ErrPermissionDenied: "permission denied",
		ErrReadOnly:         "read-only",
		ErrNoSelection:      "no selection",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("ErrorCode(%d).String() = %q, want %q", code, got, want)
		}
	}
}

func TestPermissionLevelStrings(t *testing.T) {
	if PermReadOnly.String() != "read-only" {
		t.Errorf("unexpected: %s", PermReadOnly)
	}
	if PermReadWrite.String() != "read-write" {
		t.Errorf("unexpected: %s", PermReadWrite)
	}
	if PermFullControl.String() != "full-control" {
		t.Errorf("unexpected: %s", PermFullControl)
	}
	if PermReadOnly >= PermReadWrite || PermReadWrite >= PermFullControl {
		t.Error("permission levels should be ordered")
	}
}
