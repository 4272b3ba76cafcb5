package protocol

import (
	"encoding/binary"
	"fmt"
)

// ChatMessage is the tagged union carried over the secure stream. Exactly one
// of Text and System is set, selected by the wire tag.
type ChatMessage struct {
	Text   *ChatText
	System *SystemMessage
}

// ChatText is a user chat line.
type ChatText struct {
	SenderID string
	Body     string
}

// SystemMessage is an informational line generated by a peer, not typed by
// the user.
type SystemMessage struct {
	Body string
}

// EncodeChatMessage serializes a ChatMessage: a u32 LE union tag followed by
// each string as a u64 LE length and raw bytes.
func EncodeChatMessage(m *ChatMessage) ([]byte, error) {
	switch {
	case m.Text != nil:
		buf := make([]byte, 0, 4+8+len(m.Text.SenderID)+8+len(m.Text.Body))
		buf = binary.LittleEndian.AppendUint32(buf, ChatTagText)
		buf = appendString(buf, m.Text.SenderID)
		buf = appendString(buf, m.Text.Body)
		return buf, nil
	case m.System != nil:
		buf := make([]byte, 0, 4+8+len(m.System.Body))
		buf = binary.LittleEndian.AppendUint32(buf, ChatTagSystem)
		buf = appendString(buf, m.System.Body)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: empty chat message", ErrInvalidMessage)
	}
}

// DecodeChatMessage deserializes a ChatMessage from bytes.
func DecodeChatMessage(buf []byte) (*ChatMessage, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: chat message too short", ErrInvalidMessage)
	}
	tag := binary.LittleEndian.Uint32(buf)
	rest := buf[4:]

	switch tag {
	case ChatTagText:
		senderID, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		body, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, len(rest))
		}
		return &ChatMessage{Text: &ChatText{SenderID: senderID, Body: body}}, nil

	case ChatTagSystem:
		body, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, len(rest))
		}
		return &ChatMessage{System: &SystemMessage{Body: body}}, nil

	default:
		return nil, fmt.Errorf("%w: unknown chat tag %d", ErrInvalidMessage, tag)
	}
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 8 {
		return "", nil, fmt.Errorf("%w: string length truncated", ErrInvalidMessage)
	}
	n := binary.LittleEndian.Uint64(buf)
	buf = buf[8:]
	if uint64(len(buf)) < n {
		return "", nil, fmt.Errorf("%w: string body truncated", ErrInvalidMessage)
	}
	return string(buf[:n]), buf[n:], nil
}
