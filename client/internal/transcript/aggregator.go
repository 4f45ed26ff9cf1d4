package transcript

import (
	"strings"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/google/uuid"
)

// State is the per-speaker turn state
type State int

const (
	StateStopped   State = iota // No live turn
	StateLive                   // A partial transcription is accumulating
	StateFinalized              // The last turn ended with a final transcription
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateFinalized:
		return "finalized"
	default:
		return "stopped"
	}
}

// Utterance is one speaker turn
type Utterance struct {
	ID               string              `json:"id"`
	Text             string              `json:"text"`
	Speaker          string              `json:"speaker"`
	CreatedAt        time.Time           `json:"created_at"`
	Finalized        bool                `json:"finalized"`
	SentimentPending bool                `json:"sentiment_pending"`
	Sentiment        *protocol.Sentiment `json:"sentiment,omitempty"`
	DurationMs       int64               `json:"duration_ms,omitempty"`
	WordCount        int                 `json:"word_count"`
}

func (u Utterance) clone() Utterance {
	if u.Sentiment != nil {
		s := *u.Sentiment
		if s.Scores != nil {
			sc := *s.Scores
			s.Scores = &sc
		}
		u.Sentiment = &s
	}
	return u
}

// Stats summarizes the finalized history
type Stats struct {
	Utterances int   `json:"utterances"`
	Words      int   `json:"words"`
	DurationMs int64 `json:"duration_ms"`
	Positive   int   `json:"positive"`
	Neutral    int   `json:"neutral"`
	Negative   int   `json:"negative"`
	Pending    int   `json:"pending"`
}

type speakerTurn struct {
	state   State
	live    *Utterance
	closing  *Utterance // Ended by capture stop, waiting for its sentiment
	stopped  *Utterance // Ended by capture stop, waiting for the server's final
	awaiting bool       // Capture stopped and the server has not ended its turn
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDGenerator overrides the utterance ID source
func WithIDGenerator(gen func() string) Option {
	return func(a *Aggregator) { a.newID = gen }
}

// Aggregator turns partial and final transcriptions plus sentiment results
// into an ordered history of utterances. At most one utterance per speaker
// is ever unfinalized.
//
// An Aggregator is not safe for concurrent use; the session event loop owns it.
type Aggregator struct {
	now      func() time.Time
	newID    func() string
	speakers map[string]*speakerTurn
	history  []*Utterance
}

// New creates an empty aggregator
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:      time.Now,
		newID:    uuid.NewString,
		speakers: make(map[string]*speakerTurn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply folds one control message into the history. It reports whether
// anything changed. Messages other than transcriptions and sentiment results
// are ignored.
func (a *Aggregator) Apply(msg protocol.ControlMessage) bool {
	switch m := msg.(type) {
	case protocol.Transcription:
		if m.Final {
			return a.applyFinal(speakerOf(m.Speaker), m.Text, m.Timestamp)
		}
		return a.applyPartial(speakerOf(m.Speaker), m.Text)
	case protocol.SentimentResult:
		return a.applySentiment(speakerOf(m.Speaker), m.Sentiment)
	}
	return false
}

func (a *Aggregator) applyPartial(speaker, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	turn := a.turn(speaker)

	// The server is still finishing the turn capture stop closed
	if turn.awaiting {
		return false
	}

	// A new turn started before the stopped one was scored
	if turn.closing != nil {
		a.finalize(turn.closing)
		turn.closing = nil
	}

	if turn.live == nil {
		turn.live = &Utterance{
			ID:      a.newID(),
			Speaker: speaker,
		}
	}
	turn.live.Text = text
	turn.live.WordCount = wordCount(text)
	turn.live.CreatedAt = a.now()
	turn.state = StateLive
	return true
}

func (a *Aggregator) applyFinal(speaker, text string, seconds float64) bool {
	turn := a.turn(speaker)

	if turn.awaiting {
		turn.awaiting = false
		if u := turn.stopped; u != nil {
			turn.stopped = nil
			return a.foldStopped(turn, u, text, seconds)
		}
	}

	u := turn.live
	turn.live = nil
	if u == nil && turn.closing != nil {
		// Server finished the turn after capture stopped
		u = turn.closing
		turn.closing = nil
	}
	if u == nil {
		if strings.TrimSpace(text) == "" {
			return false
		}
		u = &Utterance{
			ID:        a.newID(),
			Speaker:   speaker,
			CreatedAt: a.now(),
		}
	}

	if strings.TrimSpace(text) != "" {
		u.Text = text
		u.WordCount = wordCount(text)
	}
	if seconds > 0 {
		u.DurationMs = int64(seconds * 1000)
	}
	a.finalize(u)
	turn.state = StateFinalized
	return true
}

func (a *Aggregator) applySentiment(speaker string, s protocol.Sentiment) bool {
	for i := len(a.history) - 1; i >= 0; i-- {
		u := a.history[i]
		if u.Speaker == speaker && u.SentimentPending {
			attach(u, s)
			return true
		}
	}

	turn := a.speakers[speaker]
	if turn != nil && turn.closing != nil {
		u := turn.closing
		turn.closing = nil
		a.finalize(u)
		attach(u, s)
		return true
	}
	return false
}

// foldStopped completes a turn closed by capture stop with the server's
// final text. The utterance keeps its place in history and its sentiment.
func (a *Aggregator) foldStopped(turn *speakerTurn, u *Utterance, text string, seconds float64) bool {
	changed := false
	if turn.closing == u {
		turn.closing = nil
		a.finalize(u)
		changed = true
	}
	if strings.TrimSpace(text) != "" && text != u.Text {
		u.Text = text
		u.WordCount = wordCount(text)
		changed = true
	}
	if seconds > 0 && u.DurationMs == 0 {
		u.DurationMs = int64(seconds * 1000)
		changed = true
	}
	turn.state = StateFinalized
	return changed
}

// CloseTurn ends the live turn of speaker when capture stops. The turn is
// held until Resolve or Fail supplies its sentiment. Partials are ignored
// until the server's final for the turn arrives or Release is called; that
// final updates the closed turn's text in place. It returns the turn's ID
// and text, or ok=false when nothing was live.
func (a *Aggregator) CloseTurn(speaker string, durationMs int64) (id, text string, ok bool) {
	turn := a.turn(speakerOf(speaker))
	turn.awaiting = true
	if turn.live == nil {
		turn.state = StateStopped
		return "", "", false
	}

	if turn.closing != nil {
		a.finalize(turn.closing)
	}

	u := turn.live
	turn.live = nil
	if durationMs > 0 {
		u.DurationMs = durationMs
	}
	turn.closing = u
	turn.stopped = u
	turn.state = StateStopped
	return u.ID, u.Text, true
}

// Release stops waiting for the server's final of the turn capture stop
// closed, for example when the connection dropped.
func (a *Aggregator) Release(speaker string) {
	if turn := a.speakers[speakerOf(speaker)]; turn != nil {
		turn.awaiting = false
		turn.stopped = nil
	}
}

// Awaiting reports whether a turn closed by capture stop is still waiting
// for the server's final.
func (a *Aggregator) Awaiting(speaker string) bool {
	turn := a.speakers[speakerOf(speaker)]
	return turn != nil && turn.awaiting
}

// Resolve attaches s to the closing turn or pending utterance with id,
// finalizing it first if needed.
func (a *Aggregator) Resolve(id string, s protocol.Sentiment) bool {
	for _, turn := range a.speakers {
		if turn.closing != nil && turn.closing.ID == id {
			u := turn.closing
			turn.closing = nil
			a.finalize(u)
			attach(u, s)
			return true
		}
	}
	for _, u := range a.history {
		if u.ID == id && u.SentimentPending {
			attach(u, s)
			return true
		}
	}
	return false
}

// Fail resolves id with a neutral, zero-confidence sentiment so it never
// stays pending.
func (a *Aggregator) Fail(id string) bool {
	return a.Resolve(id, protocol.NeutralSentiment())
}

// Live returns a copy of the speaker's live utterance.
func (a *Aggregator) Live(speaker string) (Utterance, bool) {
	turn := a.speakers[speakerOf(speaker)]
	if turn == nil || turn.live == nil {
		return Utterance{}, false
	}
	return turn.live.clone(), true
}

// State returns the speaker's turn state.
func (a *Aggregator) State(speaker string) State {
	turn := a.speakers[speakerOf(speaker)]
	if turn == nil {
		return StateStopped
	}
	return turn.state
}

// History returns copies of the finalized utterances in finalization order.
func (a *Aggregator) History() []Utterance {
	out := make([]Utterance, len(a.history))
	for i, u := range a.history {
		out[i] = u.clone()
	}
	return out
}

// Stats summarizes the history
func (a *Aggregator) Stats() Stats {
	var st Stats
	for _, u := range a.history {
		st.Utterances++
		st.Words += u.WordCount
		st.DurationMs += u.DurationMs
		if u.SentimentPending || u.Sentiment == nil {
			st.Pending++
			continue
		}
		switch u.Sentiment.Type {
		case protocol.SentimentPositive:
			st.Positive++
		case protocol.SentimentNegative:
			st.Negative++
		default:
			st.Neutral++
		}
	}
	return st
}

// Transcript joins the finalized text of every utterance.
func (a *Aggregator) Transcript() string {
	parts := make([]string, 0, len(a.history))
	for _, u := range a.history {
		if u.Text != "" {
			parts = append(parts, u.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Reset drops all turns and history
func (a *Aggregator) Reset() {
	a.speakers = make(map[string]*speakerTurn)
	a.history = nil
}

func (a *Aggregator) turn(speaker string) *speakerTurn {
	turn, ok := a.speakers[speaker]
	if !ok {
		turn = &speakerTurn{state: StateStopped}
		a.speakers[speaker] = turn
	}
	return turn
}

// finalize appends u to history with its sentiment pending
func (a *Aggregator) finalize(u *Utterance) {
	u.Finalized = true
	u.SentimentPending = true
	a.history = append(a.history, u)
}

func attach(u *Utterance, s protocol.Sentiment) {
	s = s.Normalize()
	u.Sentiment = &s
	u.SentimentPending = false
}

func speakerOf(s string) string {
	if s == "" {
		return protocol.DefaultSpeaker
	}
	return s
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
