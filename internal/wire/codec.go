// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds a single wire message. A 640x640 JPEG at high quality
// stays well under 1 MiB; the cap leaves headroom for larger inputs without
// letting a corrupt length prefix allocate unbounded memory.
const MaxMessageSize = 16 << 20

// ErrMessageTooLarge is returned when a length prefix exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("wire: message exceeds size limit")

// Message is a decoded envelope. Exactly one payload accessor is valid,
// determined by Kind.
type Message struct {
	Kind Kind
	body msgpack.RawMessage
}

// Hello decodes the payload as a Hello. The envelope kind must match;
// payload shapes overlap (a Goodbye also carries a stream id), so decoding
// alone cannot tell message types apart.
func (m Message) Hello() (Hello, error) {
	if m.Kind != KindHello {
		return Hello{}, fmt.Errorf("wire: message kind %s is not hello", m.Kind)
	}
	var h Hello
	if err := msgpack.Unmarshal(m.body, &h); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return h, nil
}

// Frame decodes the payload as a FrameMessage.
func (m Message) Frame() (FrameMessage, error) {
	if m.Kind != KindFrame {
		return FrameMessage{}, fmt.Errorf("wire: message kind %s is not frame", m.Kind)
	}
	var f FrameMessage
	if err := msgpack.Unmarshal(m.body, &f); err != nil {
		return FrameMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Result decodes the payload as a ResultMessage.
func (m Message) Result() (ResultMessage, error) {
	if m.Kind != KindResult {
		return ResultMessage{}, fmt.Errorf("wire: message kind %s is not result", m.Kind)
	}
	var r ResultMessage
	if err := msgpack.Unmarshal(m.body, &r); err != nil {
		return ResultMessage{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// Goodbye decodes the payload as a Goodbye.
func (m Message) Goodbye() (Goodbye, error) {
	if m.Kind != KindGoodbye {
		return Goodbye{}, fmt.Errorf("wire: message kind %s is not goodbye", m.Kind)
	}
	var g Goodbye
	if err := msgpack.Unmarshal(m.body, &g); err != nil {
		return Goodbye{}, fmt.Errorf("decode goodbye: %w", err)
	}
	return g, nil
}

// WriteMessage encodes body under the given kind and writes it to w with a
// big-endian uint32 length prefix.
func WriteMessage(w io.Writer, kind Kind, body any) error {
	payload, err := marshalEnvelope(kind, body)
	if err != nil {
		return err
	}
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed envelope from r. It returns io.EOF
// unwrapped when the peer closes cleanly between messages.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read length prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return Message{}, ErrMessageTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read payload: %w", err)
	}
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	return Message{Kind: env.Kind, body: env.Body}, nil
}
