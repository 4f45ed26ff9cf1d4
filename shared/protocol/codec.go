package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType classifies a transport message
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
)

func (t FrameType) String() string {
	if t == FrameBinary {
		return "binary"
	}
	return "text"
}

// Frame is one discrete transport-level message
type Frame struct {
	Type FrameType
	Data []byte
}

// DecodeError is returned for a text frame that could not be parsed.
// Raw keeps the offending payload for diagnostics.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64]
	}
	return fmt.Sprintf("failed to decode control message %q: %v", raw, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errMissingType   = errors.New("missing type field")
	errOddAudioBytes = errors.New("audio payload has odd byte length")
)

// EncodeAudio packs samples as little-endian int16 with no header.
func EncodeAudio(samples []int16) Frame {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return Frame{Type: FrameBinary, Data: data}
}

// DecodeAudio unpacks a binary audio payload.
func DecodeAudio(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, errOddAudioBytes
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// EncodeControl serializes msg as a single text frame tagged with its type.
func EncodeControl(msg ControlMessage) (Frame, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s: %w", msg.MessageType(), err)
	}

	// Splice the tag in front of the payload fields
	tag, _ := json.Marshal(string(msg.MessageType()))
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return Frame{Type: FrameText, Data: out}, nil
}

// Decode classifies an inbound frame. Binary frames and unknown types decode
// to (nil, nil) and should be ignored by the caller.
func Decode(f Frame) (ControlMessage, error) {
	if f.Type == FrameBinary {
		return nil, nil
	}

	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(f.Data, &envelope); err != nil {
		return nil, &DecodeError{Raw: f.Data, Err: err}
	}
	if envelope.Type == nil {
		return nil, &DecodeError{Raw: f.Data, Err: errMissingType}
	}

	var msg ControlMessage
	switch MessageType(*envelope.Type) {
	case MessageTypePing:
		var m Ping
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, &DecodeError{Raw: f.Data, Err: err}
		}
		msg = m
	case MessageTypePong:
		var m Pong
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, &DecodeError{Raw: f.Data, Err: err}
		}
		msg = m
	case MessageTypeEndTurn:
		var m EndTurn
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, &DecodeError{Raw: f.Data, Err: err}
		}
		msg = m
	case MessageTypeTranscription:
		var m Transcription
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, &DecodeError{Raw: f.Data, Err: err}
		}
		if m.Speaker == "" {
			m.Speaker = DefaultSpeaker
		}
		msg = m
	case MessageTypeSentimentResult:
		var m SentimentResult
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, &DecodeError{Raw: f.Data, Err: err}
		}
		if m.Speaker == "" {
			m.Speaker = DefaultSpeaker
		}
		msg = m
	default:
		return nil, nil
	}
	return msg, nil
}
