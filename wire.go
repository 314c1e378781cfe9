package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the variant of a Message on the wire.
type Kind uint16

// The seven message variants of the libtunnel control protocol. Message
// encoding is fixed-shape and length-prefixed by kind: every frame is a
// 2-byte big-endian Kind followed by a kind-specific payload.
//
// OpenSessionRequest, OpenChannelRequest and Authenticate all carry a
// 32-byte Hash and therefore serialize to the same length
// (OpeningFrameLen), so a peer can read a fixed number of bytes to
// classify an opening message before decoding it. Acknowledgment and
// Rejection carry no payload and share ReplyFrameLen. ForwardConnectionRequest
// and Heartbeat likewise carry no payload and share PushFrameLen.
const (
	KindOpenSessionRequest Kind = iota
	KindOpenChannelRequest
	KindAuthenticate
	KindForwardConnectionRequest
	KindHeartbeat
	KindAcknowledgment
	KindRejection
)

func (k Kind) String() string {
	switch k {
	case KindOpenSessionRequest:
		return "OpenSessionRequest"
	case KindOpenChannelRequest:
		return "OpenChannelRequest"
	case KindAuthenticate:
		return "Authenticate"
	case KindForwardConnectionRequest:
		return "ForwardConnectionRequest"
	case KindHeartbeat:
		return "Heartbeat"
	case KindAcknowledgment:
		return "Acknowledgment"
	case KindRejection:
		return "Rejection"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

const (
	kindSize = 2

	// OpeningFrameLen is the wire length shared by OpenSessionRequest,
	// OpenChannelRequest and Authenticate: a peer reads exactly this many
	// bytes to classify and decode an opening frame.
	OpeningFrameLen = kindSize + HashSize

	// ReplyFrameLen is the wire length shared by Acknowledgment and Rejection.
	ReplyFrameLen = kindSize

	// PushFrameLen is the wire length shared by ForwardConnectionRequest and Heartbeat.
	PushFrameLen = kindSize
)

// ErrUnknownKind is returned by Decode when a frame's tag does not match
// any known Kind.
var ErrUnknownKind = errors.New("tunnel: unknown message kind")

// ErrFrameLength is returned when a frame's length does not match what
// its Kind requires.
var ErrFrameLength = errors.New("tunnel: wrong frame length for message kind")

// Message is the sum type carried over the control and visitor-facing
// TCP streams. Hash is only meaningful for the three hash-carrying kinds.
type Message struct {
	Kind Kind
	Hash Hash
}

// OpenSession builds an OpenSessionRequest message for the given profile hash.
func OpenSession(h Hash) Message { return Message{Kind: KindOpenSessionRequest, Hash: h} }

// OpenChannel builds an OpenChannelRequest message for the given profile hash.
func OpenChannel(h Hash) Message { return Message{Kind: KindOpenChannelRequest, Hash: h} }

// Authenticate builds an Authenticate message carrying a pre-shared token hash.
func Authenticate(h Hash) Message { return Message{Kind: KindAuthenticate, Hash: h} }

// Ack, Reject, ForwardConnection and Heartbeat are the payload-less messages.
var (
	Ack               = Message{Kind: KindAcknowledgment}
	Reject            = Message{Kind: KindRejection}
	ForwardConnection = Message{Kind: KindForwardConnectionRequest}
	Heartbeat         = Message{Kind: KindHeartbeat}
)

// Len returns the number of bytes Encode produces for m.
func (m Message) Len() int {
	switch m.Kind {
	case KindOpenSessionRequest, KindOpenChannelRequest, KindAuthenticate:
		return OpeningFrameLen
	case KindForwardConnectionRequest, KindHeartbeat:
		return PushFrameLen
	case KindAcknowledgment, KindRejection:
		return ReplyFrameLen
	default:
		return kindSize
	}
}

// Encode appends the wire representation of m to buf and returns the
// extended slice.
func (m Message) Encode(buf []byte) []byte {
	var tag [kindSize]byte
	binary.BigEndian.PutUint16(tag[:], uint16(m.Kind))
	buf = append(buf, tag[:]...)
	switch m.Kind {
	case KindOpenSessionRequest, KindOpenChannelRequest, KindAuthenticate:
		buf = append(buf, m.Hash[:]...)
	}
	return buf
}

// Decode parses a complete frame previously produced by Encode. It
// rejects unknown tags and frames whose length does not match what the
// decoded Kind requires.
func Decode(data []byte) (Message, error) {
	if len(data) < kindSize {
		return Message{}, fmt.Errorf("tunnel: short frame (%d bytes)", len(data))
	}
	kind := Kind(binary.BigEndian.Uint16(data[:kindSize]))
	body := data[kindSize:]

	var m Message
	switch kind {
	case KindOpenSessionRequest, KindOpenChannelRequest, KindAuthenticate:
		if len(body) != HashSize {
			return Message{}, fmt.Errorf("%w: %s wants %d bytes, got %d", ErrFrameLength, kind, HashSize, len(body))
		}
		m = Message{Kind: kind}
		copy(m.Hash[:], body)
	case KindForwardConnectionRequest, KindHeartbeat, KindAcknowledgment, KindRejection:
		if len(body) != 0 {
			return Message{}, fmt.Errorf("%w: %s wants 0 bytes, got %d", ErrFrameLength, kind, len(body))
		}
		m = Message{Kind: kind}
	default:
		return Message{}, fmt.Errorf("%w: tag %d", ErrUnknownKind, uint16(kind))
	}
	return m, nil
}

// WriteMessage writes the full frame for m to w and flushes it if w
// implements an explicit Flush method (e.g. *bufio.Writer).
func WriteMessage(w io.Writer, m Message) error {
	buf := m.Encode(make([]byte, 0, OpeningFrameLen))
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("tunnel: write %s: %w", m.Kind, err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("tunnel: flush %s: %w", m.Kind, err)
		}
	}
	return nil
}

// ReadExactMessage reads exactly expectedLength bytes from r and decodes
// them as a Message. It blocks until that many bytes have arrived; a
// stream that ends before then yields an error.
func ReadExactMessage(r io.Reader, expectedLength int) (Message, error) {
	buf := make([]byte, expectedLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, fmt.Errorf("tunnel: read frame: %w", err)
	}
	return Decode(buf)
}

// ReadOpeningMessage reads and classifies an opening frame
// (OpenSessionRequest / OpenChannelRequest / Authenticate all share
// OpeningFrameLen, so the same fixed-length read works for all three).
func ReadOpeningMessage(r io.Reader) (Message, error) {
	return ReadExactMessage(r, OpeningFrameLen)
}

// ErrRejected is returned by WriteThenExpectAck when the peer replies
// with Rejection.
var ErrRejected = errors.New("tunnel: request rejected by peer")

// WriteThenExpectAck writes m to rw and reads back one reply frame,
// mapping Acknowledgment to a nil error, Rejection to ErrRejected, and
// anything else (including I/O errors) to a non-nil error.
func WriteThenExpectAck(rw io.ReadWriter, m Message) error {
	if err := WriteMessage(rw, m); err != nil {
		return err
	}
	reply, err := ReadExactMessage(rw, ReplyFrameLen)
	if err != nil {
		return err
	}
	switch reply.Kind {
	case KindAcknowledgment:
		return nil
	case KindRejection:
		return ErrRejected
	default:
		return fmt.Errorf("tunnel: unexpected reply %s", reply.Kind)
	}
}
