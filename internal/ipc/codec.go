package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dreamware/tessera/internal/cluster"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 1 << 20

// writeFrame writes m as a 4-byte big-endian length followed by its JSON
// encoding. The prefix and body go out in a single Write.
func writeFrame(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(data) > MaxFrameSize {
		return cluster.ProtocolError("write frame", fmt.Errorf("message too large: %d", len(data)))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame body. An oversized length is a
// protocol error; the stream cannot be resynchronized after it.
func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFrameSize {
		return nil, cluster.ProtocolError("read frame", fmt.Errorf("message too large: %d", length))
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// decodeFrame parses a frame body into a Message.
func decodeFrame(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, cluster.ProtocolError("decode frame", err)
	}
	if m.Type == "" {
		return Message{}, cluster.ProtocolError("decode frame", fmt.Errorf("missing message type"))
	}
	return m, nil
}

func readMessage(r io.Reader) (Message, error) {
	data, err := readFrame(r)
	if err != nil {
		return Message{}, err
	}
	return decodeFrame(data)
}
