package tunnel

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	h := HashID("round-trip")
	cases := []Message{
		OpenSession(h),
		OpenChannel(h),
		Authenticate(h),
		Ack,
		Reject,
		ForwardConnection,
		Heartbeat,
	}
	for _, m := range cases {
		buf := m.Encode(nil)
		if len(buf) != m.Len() {
			t.Fatalf("%s: Encode produced %d bytes, Len() says %d", m.Kind, len(buf), m.Len())
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("%s: Decode: %v", m.Kind, err)
		}
		if got != m {
			t.Fatalf("%s: round-trip mismatch: got %+v, want %+v", m.Kind, got, m)
		}
	}
}

func TestOpeningKindsShareFrameLength(t *testing.T) {
	h := HashID("shared-length")
	for _, m := range []Message{OpenSession(h), OpenChannel(h), Authenticate(h)} {
		if m.Len() != OpeningFrameLen {
			t.Fatalf("%s: Len() = %d, want OpeningFrameLen %d", m.Kind, m.Len(), OpeningFrameLen)
		}
	}
}

func TestReplyKindsShareFrameLength(t *testing.T) {
	for _, m := range []Message{Ack, Reject} {
		if m.Len() != ReplyFrameLen {
			t.Fatalf("%s: Len() = %d, want ReplyFrameLen %d", m.Kind, m.Len(), ReplyFrameLen)
		}
	}
}

func TestPushKindsShareFrameLength(t *testing.T) {
	for _, m := range []Message{ForwardConnection, Heartbeat} {
		if m.Len() != PushFrameLen {
			t.Fatalf("%s: Len() = %d, want PushFrameLen %d", m.Kind, m.Len(), PushFrameLen)
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	buf := []byte{0xff, 0xff}
	if _, err := Decode(buf); err == nil {
		t.Fatalf("Decode accepted an unknown kind")
	} else if !isErr(err, ErrUnknownKind) {
		t.Fatalf("Decode error = %v, want wrapping ErrUnknownKind", err)
	}
}

func TestDecodeWrongLength(t *testing.T) {
	m := Ack
	buf := m.Encode(nil)
	buf = append(buf, 0x00) // one extra byte
	if _, err := Decode(buf); err == nil {
		t.Fatalf("Decode accepted a frame of the wrong length")
	} else if !isErr(err, ErrFrameLength) {
		t.Fatalf("Decode error = %v, want wrapping ErrFrameLength", err)
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestWriteThenExpectAckSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	h := HashID("write-then-ack")
	errCh := make(chan error, 1)
	go func() { errCh <- WriteThenExpectAck(client, OpenSession(h)) }()

	msg, err := ReadOpeningMessage(server)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if msg.Kind != KindOpenSessionRequest || msg.Hash != h {
		t.Fatalf("server read = %+v, want OpenSessionRequest(%v)", msg, h)
	}
	if err := WriteMessage(server, Ack); err != nil {
		t.Fatalf("server write ack: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("WriteThenExpectAck = %v, want nil", err)
	}
}

func TestWriteThenExpectAckRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- WriteThenExpectAck(client, OpenChannel(HashID("rejected"))) }()

	if _, err := ReadOpeningMessage(server); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := WriteMessage(server, Reject); err != nil {
		t.Fatalf("server write reject: %v", err)
	}
	if err := <-errCh; !isErr(err, ErrRejected) {
		t.Fatalf("WriteThenExpectAck = %v, want wrapping ErrRejected", err)
	}
}

func TestReadExactMessageShortFrame(t *testing.T) {
	r := bytes.NewReader([]byte{0x00})
	if _, err := ReadExactMessage(r, ReplyFrameLen); err == nil {
		t.Fatalf("ReadExactMessage accepted a short frame")
	} else if err == io.EOF {
		t.Fatalf("expected a wrapped error, got bare io.EOF")
	}
}
