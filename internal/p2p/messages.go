package p2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ccoin/shielded/internal/indexer"
	"github.com/ccoin/shielded/pkg/types"
)

// Message types
const (
	MsgTypeEvent    uint8 = 0x01
	MsgTypeEnvelope uint8 = 0x02
	MsgTypeStatus   uint8 = 0x20
)

// Message errors
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrMessageTooShort    = errors.New("message too short")
)

// MaxMessageSize is the maximum size of a network message
const MaxMessageSize = 1 << 20 // 1 MB

// Message represents a network message
type Message struct {
	Type    uint8
	Payload []byte
}

// StatusMessage announces how far a peer has indexed a tree
type StatusMessage struct {
	Version  uint32
	Tree     types.PublicKey
	Sequence uint64
	Last     types.Signature
}

const (
	eventHeaderSize = types.SignatureSize + types.PublicKeySize + 8 + 8
	statusSize      = 4 + types.PublicKeySize + 8 + types.SignatureSize
)

// Encode serializes a message for network transmission
func (m *Message) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, m.Type); err != nil {
		return err
	}

	payloadLen := uint32(len(m.Payload))
	if err := binary.Write(w, binary.BigEndian, payloadLen); err != nil {
		return err
	}

	if _, err := w.Write(m.Payload); err != nil {
		return err
	}

	return nil
}

// Decode deserializes a message from network data
func (m *Message) Decode(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.Type); err != nil {
		return err
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}

	if payloadLen > MaxMessageSize {
		return ErrMessageTooLarge
	}

	m.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return err
	}

	return nil
}

// frame wraps payload in a typed message.
func frame(typ uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	var buf bytes.Buffer
	buf.Grow(5 + len(payload))
	if err := (&Message{Type: typ, Payload: payload}).Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unframe returns the payload of data, which must be a message of type
// want with nothing after it.
func unframe(data []byte, want uint8) ([]byte, error) {
	r := bytes.NewReader(data)
	var m Message
	if err := m.Decode(r); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrMessageTooShort
		}
		return nil, err
	}
	if m.Type != want {
		return nil, ErrInvalidMessageType
	}
	if r.Len() != 0 {
		return nil, ErrInvalidMessageType
	}
	return m.Payload, nil
}

// EncodeEvent serializes a ledger transaction carrying an event. The
// event body stays in its ledger encoding.
func EncodeEvent(raw indexer.RawTransaction) []byte {
	buf := make([]byte, 0, eventHeaderSize+len(raw.Data))
	buf = append(buf, raw.Signature[:]...)
	buf = append(buf, raw.Signer[:]...)
	buf = binary.BigEndian.AppendUint64(buf, raw.Slot)
	buf = binary.BigEndian.AppendUint64(buf, uint64(raw.BlockTime))
	return append(buf, raw.Data...)
}

// DecodeEvent deserializes an event message
func DecodeEvent(data []byte) (indexer.RawTransaction, error) {
	var raw indexer.RawTransaction
	if len(data) < eventHeaderSize {
		return raw, ErrMessageTooShort
	}
	off := 0
	off += copy(raw.Signature[:], data[off:])
	off += copy(raw.Signer[:], data[off:])
	raw.Slot = binary.BigEndian.Uint64(data[off:])
	raw.BlockTime = int64(binary.BigEndian.Uint64(data[off+8:]))
	raw.Data = append([]byte(nil), data[eventHeaderSize:]...)
	return raw, nil
}

// EncodeStatus serializes a status message
func EncodeStatus(status *StatusMessage) []byte {
	buf := make([]byte, 0, statusSize)

	buf = binary.BigEndian.AppendUint32(buf, status.Version)
	buf = append(buf, status.Tree[:]...)
	buf = binary.BigEndian.AppendUint64(buf, status.Sequence)
	buf = append(buf, status.Last[:]...)

	return buf
}

// DecodeStatus deserializes a status message
func DecodeStatus(data []byte) (*StatusMessage, error) {
	if len(data) < statusSize {
		return nil, ErrMessageTooShort
	}

	status := &StatusMessage{Version: binary.BigEndian.Uint32(data[0:4])}
	copy(status.Tree[:], data[4:36])
	status.Sequence = binary.BigEndian.Uint64(data[36:44])
	copy(status.Last[:], data[44:statusSize])

	return status, nil
}
