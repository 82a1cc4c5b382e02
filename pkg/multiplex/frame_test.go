package multiplex

import (
	"bytes"
	"testing"
)

func TestFrameRoundTripHello(t *testing.T) {
	f := NewHelloFrame([]byte("info"))
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.Tag() != TagHello {
		t.Fatalf("unexpected tag: %v", parsed.Tag())
	}
	if parsed.HelloMagic() != ProtocolMagic {
		t.Fatalf("magic mismatch")
	}
	if !bytes.Equal(parsed.HelloInfo(), []byte("info")) {
		t.Fatalf("info mismatch: %q", parsed.HelloInfo())
	}
}

func TestFrameRoundTripClose(t *testing.T) {
	f := NewCloseFrame([]byte("bye"))
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.Tag() != TagClose {
		t.Fatalf("unexpected tag: %v", parsed.Tag())
	}
	if !bytes.Equal(parsed.CloseReason(), []byte("bye")) {
		t.Fatalf("reason mismatch: %q", parsed.CloseReason())
	}
}

func TestFrameRoundTripChannelRequest(t *testing.T) {
	f := NewChannelRequestFrame(42, 128, 16384, []byte("echo"))
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.Tag() != TagChannelRequest {
		t.Fatalf("unexpected tag: %v", parsed.Tag())
	}
	if parsed.ChannelRequestSenderID() != 42 {
		t.Fatalf("sender id mismatch: %d", parsed.ChannelRequestSenderID())
	}
	if parsed.ChannelRequestFrameCredit() != 128 {
		t.Fatalf("frame credit mismatch: %d", parsed.ChannelRequestFrameCredit())
	}
	if parsed.ChannelRequestByteCredit() != 16384 {
		t.Fatalf("byte credit mismatch: %d", parsed.ChannelRequestByteCredit())
	}
	if !bytes.Equal(parsed.ChannelRequestEndpoint(), []byte("echo")) {
		t.Fatalf("endpoint mismatch: %q", parsed.ChannelRequestEndpoint())
	}
}

func TestFrameRoundTripChannelAccept(t *testing.T) {
	f := NewChannelAcceptFrame(7, 9, 128, 16384)
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.ChannelAcceptReceiverID() != 7 {
		t.Fatalf("receiver id mismatch: %d", parsed.ChannelAcceptReceiverID())
	}
	if parsed.ChannelAcceptSenderID() != 9 {
		t.Fatalf("sender id mismatch: %d", parsed.ChannelAcceptSenderID())
	}
	if parsed.ChannelAcceptFrameCredit() != 128 || parsed.ChannelAcceptByteCredit() != 16384 {
		t.Fatalf("credit mismatch")
	}
}

func TestFrameRoundTripChannelReject(t *testing.T) {
	f := NewChannelRejectFrame(3, []byte("go away"))
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.ChannelRejectReceiverID() != 3 {
		t.Fatalf("receiver id mismatch: %d", parsed.ChannelRejectReceiverID())
	}
	if !bytes.Equal(parsed.ChannelRejectReason(), []byte("go away")) {
		t.Fatalf("reason mismatch: %q", parsed.ChannelRejectReason())
	}
}

func TestFrameRoundTripChannelData(t *testing.T) {
	buf := NewChannelDataBuffer(11, 5)
	buf = append(buf, []byte("hello")...)
	parsed, err := ParseFrame(buf)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.Tag() != TagChannelData {
		t.Fatalf("unexpected tag: %v", parsed.Tag())
	}
	if parsed.ChannelDataReceiverID() != 11 {
		t.Fatalf("receiver id mismatch: %d", parsed.ChannelDataReceiverID())
	}
	if !bytes.Equal(parsed.ChannelDataPayload(), []byte("hello")) {
		t.Fatalf("payload mismatch: %q", parsed.ChannelDataPayload())
	}
}

func TestFrameRoundTripChannelAdjust(t *testing.T) {
	f := NewChannelAdjustFrame(5, 10, 20)
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.ChannelAdjustReceiverID() != 5 {
		t.Fatalf("receiver id mismatch: %d", parsed.ChannelAdjustReceiverID())
	}
	if parsed.ChannelAdjustFrameCredit() != 10 || parsed.ChannelAdjustByteCredit() != 20 {
		t.Fatalf("credit mismatch")
	}
}

func TestFrameRoundTripChannelClose(t *testing.T) {
	f := NewChannelCloseFrame(6, nil)
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.ChannelCloseReceiverID() != 6 {
		t.Fatalf("receiver id mismatch: %d", parsed.ChannelCloseReceiverID())
	}
	if len(parsed.ChannelCloseReason()) != 0 {
		t.Fatalf("expected empty reason, got %q", parsed.ChannelCloseReason())
	}
}

func TestFrameRoundTripChannelClosed(t *testing.T) {
	f := NewChannelClosedFrame(8, []byte("done"))
	parsed, err := ParseFrame(f.Bytes())
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if parsed.ChannelClosedReceiverID() != 8 {
		t.Fatalf("receiver id mismatch: %d", parsed.ChannelClosedReceiverID())
	}
	if !bytes.Equal(parsed.ChannelClosedReason(), []byte("done")) {
		t.Fatalf("reason mismatch: %q", parsed.ChannelClosedReason())
	}
}

func TestFrameRoundTripPingPong(t *testing.T) {
	ping, err := ParseFrame(NewPingFrame().Bytes())
	if err != nil {
		t.Fatalf("ParseFrame(ping) failed: %v", err)
	}
	if ping.Tag() != TagPing {
		t.Fatalf("unexpected tag: %v", ping.Tag())
	}

	pong, err := ParseFrame(NewPongFrame().Bytes())
	if err != nil {
		t.Fatalf("ParseFrame(pong) failed: %v", err)
	}
	if pong.Tag() != TagPong {
		t.Fatalf("unexpected tag: %v", pong.Tag())
	}
}

func TestFrameInvalidTag(t *testing.T) {
	_, err := ParseFrame([]byte{0x99})
	if err == nil {
		t.Fatal("expected error for invalid tag")
	}
	var tagErr *InvalidTagError
	if !asInvalidTag(err, &tagErr) {
		t.Fatalf("expected *InvalidTagError, got %T: %v", err, err)
	}
}

func TestFrameInvalidLength(t *testing.T) {
	// A ChannelRequest frame's fixed portion is tag+8+4+4 = 17 bytes.
	_, err := ParseFrame([]byte{byte(TagChannelRequest), 0x00})
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	var lengthErr *InvalidLengthError
	if !asInvalidLength(err, &lengthErr) {
		t.Fatalf("expected *InvalidLengthError, got %T: %v", err, err)
	}
}

func TestFrameEmptyBuffer(t *testing.T) {
	_, err := ParseFrame(nil)
	if err == nil {
		t.Fatal("expected error for empty buffer")
	}
}

func TestFrameExactLengthTagsRejectTrailingBytes(t *testing.T) {
	// Ping/Pong/ChannelAccept/ChannelAdjust have no variable tail, so any
	// trailing bytes make the frame invalid.
	buf := append(NewPingFrame().Bytes(), 0x00)
	if _, err := ParseFrame(buf); err == nil {
		t.Fatal("expected error for over-length ping frame")
	}
}

// asInvalidTag and asInvalidLength avoid importing errors.As just for two
// tiny type assertions in this file.
func asInvalidTag(err error, target **InvalidTagError) bool {
	if e, ok := err.(*InvalidTagError); ok {
		*target = e
		return true
	}
	return false
}

func asInvalidLength(err error, target **InvalidLengthError) bool {
	if e, ok := err.(*InvalidLengthError); ok {
		*target = e
		return true
	}
	return false
}
