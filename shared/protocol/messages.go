package protocol

import "encoding/json"

// MessageType is the authoritative tag of a control message
type MessageType string

const (
	// Heartbeat
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"

	// Sent by the client when capture stops
	MessageTypeEndTurn MessageType = "end_turn"

	// Results pushed by the streaming server
	MessageTypeTranscription   MessageType = "transcription"
	MessageTypeSentimentResult MessageType = "sentiment_result"
)

// DefaultSpeaker is used when a message does not name a speaker.
const DefaultSpeaker = "user"

// ControlMessage is one decoded text frame. The concrete type is one of
// Ping, Pong, EndTurn, Transcription or SentimentResult.
type ControlMessage interface {
	MessageType() MessageType
}

// Ping is sent by the client heartbeat
type Ping struct {
	Timestamp int64 `json:"timestamp,omitempty"` // Unix milliseconds
}

func (Ping) MessageType() MessageType { return MessageTypePing }

// Pong answers a Ping
type Pong struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (Pong) MessageType() MessageType { return MessageTypePong }

// EndTurn asks the server to flush buffered audio and close the current
// turn. The server always answers with a final Transcription, which may
// have empty text.
type EndTurn struct {
	Speaker string `json:"speaker,omitempty"`
}

func (EndTurn) MessageType() MessageType { return MessageTypeEndTurn }

// Transcription carries a partial or final result for the current turn.
// Text is the whole turn so far, not a delta.
type Transcription struct {
	Text      string  `json:"text"`
	Final     bool    `json:"is_final"`
	Speaker   string  `json:"speaker,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"` // seconds of audio in the turn
}

func (Transcription) MessageType() MessageType { return MessageTypeTranscription }

// SentimentResult attaches a sentiment to the most recent pending utterance
type SentimentResult struct {
	Speaker   string    `json:"speaker,omitempty"`
	Sentiment Sentiment `json:"sentiment"`
}

func (SentimentResult) MessageType() MessageType { return MessageTypeSentimentResult }

// SentimentType is positive, neutral or negative
type SentimentType string

const (
	SentimentPositive SentimentType = "positive"
	SentimentNeutral  SentimentType = "neutral"
	SentimentNegative SentimentType = "negative"
)

// Valid reports whether t is one of the three known sentiment types.
func (t SentimentType) Valid() bool {
	switch t {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Scores holds per-class probabilities
type Scores struct {
	Positive float64 `json:"positive"`
	Neutral  float64 `json:"neutral"`
	Negative float64 `json:"negative"`
}

// Sentiment is the result of scoring one transcript
type Sentiment struct {
	Type       SentimentType `json:"type"`
	Confidence float64       `json:"confidence"`
	Scores     *Scores       `json:"scores,omitempty"`
}

// NeutralSentiment is the fallback used whenever scoring is unavailable.
func NeutralSentiment() Sentiment {
	return Sentiment{
		Type:       SentimentNeutral,
		Confidence: 0,
		Scores:     &Scores{Positive: 0, Neutral: 1, Negative: 0},
	}
}

// Normalize fills in missing scores from the type and confidence and makes
// the scores sum to 1.
func (s Sentiment) Normalize() Sentiment {
	if !s.Type.Valid() {
		s.Type = SentimentNeutral
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	} else if s.Confidence > 1 {
		s.Confidence = 1
	}

	if s.Scores == nil {
		rest := (1 - s.Confidence) / 2
		sc := &Scores{Positive: rest, Neutral: rest, Negative: rest}
		switch s.Type {
		case SentimentPositive:
			sc.Positive = s.Confidence
		case SentimentNegative:
			sc.Negative = s.Confidence
		default:
			sc.Neutral = s.Confidence
		}
		s.Scores = sc
	}

	total := s.Scores.Positive + s.Scores.Neutral + s.Scores.Negative
	if total <= 0 {
		s.Scores = &Scores{Neutral: 1}
		return s
	}
	s.Scores = &Scores{
		Positive: s.Scores.Positive / total,
		Neutral:  s.Scores.Neutral / total,
		Negative: s.Scores.Negative / total,
	}
	return s
}

// SentimentRequest is the body of POST /sentiment-analysis
type SentimentRequest struct {
	Transcript string `json:"transcript"`
}

// SentimentResponse is returned by POST /sentiment-analysis
type SentimentResponse struct {
	Sentiment Sentiment `json:"sentiment"`
}

// CoachingRequest is the body of POST /coaching-tips
type CoachingRequest struct {
	Transcript string `json:"transcript"`
}

// CoachingTip is one suggestion for the speaker
type CoachingTip struct {
	Tip        string  `json:"tip"`
	Confidence float64 `json:"confidence"`
}

// CoachingResponse is returned by POST /coaching-tips
type CoachingResponse struct {
	Tips []CoachingTip `json:"tips"`
}

// AudioStatistics summarizes per-frame RMS energy of a recording
type AudioStatistics struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Avg         float64 `json:"avg"`
	P5          float64 `json:"p5"`
	P95         float64 `json:"p95"`
	SampleCount int     `json:"sample_count"`
}

// AnalyzeAudioRequest is the body of POST /api/v1/analyze-audio.
// Audio is PCM16LE mono at 16kHz, base64 encoded by encoding/json.
type AnalyzeAudioRequest struct {
	Audio []byte `json:"audio"`
}

// SignalingMessage is used for WebRTC signaling over WebSocket
type SignalingMessage struct {
	Type string          `json:"type"` // "offer", "answer", "ice"
	Data json.RawMessage `json:"data"`
}
