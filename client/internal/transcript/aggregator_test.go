package transcript

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
)

func newTestAggregator() *Aggregator {
	n := 0
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("u%d", n)
		}),
		WithClock(func() time.Time {
			base = base.Add(time.Second)
			return base
		}),
	)
}

func partial(text string) protocol.Transcription {
	return protocol.Transcription{Text: text, Speaker: "user"}
}

func final(text string) protocol.Transcription {
	return protocol.Transcription{Text: text, Final: true, Speaker: "user"}
}

func TestPartialsMergeIntoOneFinalUtterance(t *testing.T) {
	a := newTestAggregator()

	a.Apply(partial("hel"))
	a.Apply(partial("hello"))
	if a.State("user") != StateLive {
		t.Fatalf("Expected live, got %s", a.State("user"))
	}
	live, ok := a.Live("user")
	if !ok || live.Text != "hello" {
		t.Fatalf("Expected live text 'hello', got %+v", live)
	}
	if len(a.History()) != 0 {
		t.Fatal("Partials must not reach history")
	}

	a.Apply(final("hello world"))

	history := a.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 utterance, got %d", len(history))
	}
	u := history[0]
	if u.Text != "hello world" || !u.Finalized || !u.SentimentPending {
		t.Errorf("Unexpected utterance: %+v", u)
	}
	if u.ID != live.ID {
		t.Errorf("Expected final to reuse live ID %s, got %s", live.ID, u.ID)
	}
	if u.WordCount != 2 {
		t.Errorf("Expected 2 words, got %d", u.WordCount)
	}
	if a.State("user") != StateFinalized {
		t.Errorf("Expected finalized, got %s", a.State("user"))
	}
	if _, ok := a.Live("user"); ok {
		t.Error("Expected no live utterance after final")
	}
}

func TestPartialRefreshesTimestamp(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("one"))
	first, _ := a.Live("user")
	a.Apply(partial("one two"))
	second, _ := a.Live("user")
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("Expected refreshed timestamp, got %v then %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestSentimentAttachesToMostRecentPending(t *testing.T) {
	a := newTestAggregator()
	a.Apply(final("first turn"))
	a.Apply(final("second turn"))

	changed := a.Apply(protocol.SentimentResult{
		Speaker:   "user",
		Sentiment: protocol.Sentiment{Type: protocol.SentimentPositive, Confidence: 0.8},
	})
	if !changed {
		t.Fatal("Expected sentiment to attach")
	}

	history := a.History()
	if !history[0].SentimentPending {
		t.Error("First utterance should still be pending")
	}
	if history[1].SentimentPending || history[1].Sentiment.Type != protocol.SentimentPositive {
		t.Errorf("Second utterance should carry the sentiment: %+v", history[1])
	}
	if history[1].Sentiment.Scores == nil {
		t.Error("Expected scores filled in")
	}
}

func TestSentimentWithoutTargetIsIgnored(t *testing.T) {
	a := newTestAggregator()
	if a.Apply(protocol.SentimentResult{Speaker: "user", Sentiment: protocol.NeutralSentiment()}) {
		t.Error("Expected no change with nothing pending")
	}
}

func TestCloseTurnAndResolve(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("thanks for calling"))

	id, text, ok := a.CloseTurn("user", 4200)
	if !ok || text != "thanks for calling" {
		t.Fatalf("Expected closing turn, got %q ok=%v", text, ok)
	}
	if a.State("user") != StateStopped {
		t.Errorf("Expected stopped, got %s", a.State("user"))
	}
	if len(a.History()) != 0 {
		t.Fatal("Closing turn must wait for its sentiment")
	}

	if !a.Resolve(id, protocol.Sentiment{Type: protocol.SentimentNegative, Confidence: 0.6}) {
		t.Fatal("Expected resolve to succeed")
	}
	history := a.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 utterance, got %d", len(history))
	}
	u := history[0]
	if !u.Finalized || u.SentimentPending || u.Sentiment.Type != protocol.SentimentNegative {
		t.Errorf("Unexpected utterance: %+v", u)
	}
	if u.DurationMs != 4200 {
		t.Errorf("Expected duration 4200, got %d", u.DurationMs)
	}

	if a.Resolve(id, protocol.NeutralSentiment()) {
		t.Error("Resolving twice should be a no-op")
	}
}

func TestFailYieldsNeutralZero(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("is anyone there"))
	id, _, _ := a.CloseTurn("user", 0)

	if !a.Fail(id) {
		t.Fatal("Expected fail to resolve the turn")
	}
	u := a.History()[0]
	if u.SentimentPending {
		t.Fatal("Failed scoring must not leave the utterance pending")
	}
	if u.Sentiment.Type != protocol.SentimentNeutral || u.Sentiment.Confidence != 0 {
		t.Errorf("Expected neutral/0, got %+v", u.Sentiment)
	}
}

func TestFailOnPendingFinal(t *testing.T) {
	a := newTestAggregator()
	a.Apply(final("final text"))
	id := a.History()[0].ID

	if !a.Fail(id) {
		t.Fatal("Expected fail to resolve the pending utterance")
	}
	if a.Stats().Neutral != 1 || a.Stats().Pending != 0 {
		t.Errorf("Unexpected stats: %+v", a.Stats())
	}
}

func TestPartialWhileClosingFinalizesClosingTurn(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("old turn"))
	oldID, _, _ := a.CloseTurn("user", 0)

	// The server's turn was lost with the connection
	a.Release("user")
	a.Apply(partial("new turn"))

	history := a.History()
	if len(history) != 1 || history[0].ID != oldID || !history[0].SentimentPending {
		t.Fatalf("Expected closing turn finalized as pending, got %+v", history)
	}
	if live, ok := a.Live("user"); !ok || live.Text != "new turn" {
		t.Errorf("Expected new live turn, got %+v", live)
	}

	// The late result still lands on the old turn
	if !a.Resolve(oldID, protocol.Sentiment{Type: protocol.SentimentPositive, Confidence: 0.9}) {
		t.Error("Expected resolve of finalized pending turn")
	}
}

func TestFinalAfterCloseTurnFinalizesClosing(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("wrapping up"))
	id, _, _ := a.CloseTurn("user", 0)

	a.Apply(protocol.Transcription{Text: "wrapping up now", Final: true, Timestamp: 2.5})

	history := a.History()
	if len(history) != 1 || history[0].ID != id {
		t.Fatalf("Expected the closing turn to be finalized, got %+v", history)
	}
	if history[0].Text != "wrapping up now" || history[0].DurationMs != 2500 {
		t.Errorf("Unexpected utterance: %+v", history[0])
	}
}

func TestLatePartialAfterCloseTurnIsFolded(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("hello"))
	id, _, _ := a.CloseTurn("user", 800)
	if !a.Resolve(id, protocol.Sentiment{Type: protocol.SentimentPositive, Confidence: 0.8}) {
		t.Fatal("Expected resolve to succeed")
	}

	// Audio flushed at stop arrives after the turn was closed
	if a.Apply(partial("hello world")) {
		t.Error("Partial for a stopped turn should be ignored")
	}
	if _, ok := a.Live("user"); ok {
		t.Fatal("No live turn may open while the stopped turn awaits its final")
	}

	if !a.Apply(final("hello world")) {
		t.Fatal("Expected final to update the stopped turn")
	}
	history := a.History()
	if len(history) != 1 {
		t.Fatalf("Expected 1 utterance, got %+v", history)
	}
	u := history[0]
	if u.ID != id || u.Text != "hello world" || u.WordCount != 2 || u.DurationMs != 800 {
		t.Errorf("Unexpected utterance: %+v", u)
	}
	if u.SentimentPending || u.Sentiment.Type != protocol.SentimentPositive {
		t.Errorf("Sentiment should be kept, got %+v", u.Sentiment)
	}
	if a.Transcript() != "hello world" {
		t.Errorf("Unexpected transcript %q", a.Transcript())
	}
	if a.Awaiting("user") {
		t.Error("Final should end the wait")
	}

	// The next turn starts fresh
	a.Apply(partial("next"))
	if live, ok := a.Live("user"); !ok || live.Text != "next" || live.ID == id {
		t.Errorf("Expected a fresh live turn, got %+v", live)
	}
}

func TestEmptyFinalEndsStoppedTurn(t *testing.T) {
	a := newTestAggregator()
	a.Apply(partial("hello"))
	id, _, _ := a.CloseTurn("user", 0)

	a.Apply(final(""))
	if a.Awaiting("user") {
		t.Fatal("Empty final should end the wait")
	}
	history := a.History()
	if len(history) != 1 || history[0].ID != id || history[0].Text != "hello" || !history[0].SentimentPending {
		t.Fatalf("Expected the stopped turn finalized as pending, got %+v", history)
	}
	if !a.Resolve(id, protocol.NeutralSentiment()) {
		t.Error("Late sentiment should still land on the stopped turn")
	}
}

func TestCloseTurnWithoutLive(t *testing.T) {
	a := newTestAggregator()
	if _, _, ok := a.CloseTurn("user", 100); ok {
		t.Error("Expected no closing turn")
	}

	// Speech the server heard before stop still becomes an utterance
	a.Apply(partial("tail"))
	if _, ok := a.Live("user"); ok {
		t.Fatal("No live turn may open before the server ends its turn")
	}
	a.Apply(final("tail words"))
	if h := a.History(); len(h) != 1 || h[0].Text != "tail words" {
		t.Fatalf("Expected the server's final as a new utterance, got %+v", h)
	}

	a.Apply(partial("fresh"))
	if live, ok := a.Live("user"); !ok || live.Text != "fresh" {
		t.Errorf("Expected a fresh live turn, got %+v", live)
	}
}

func TestSpeakersAreIndependent(t *testing.T) {
	a := newTestAggregator()
	a.Apply(protocol.Transcription{Text: "agent says", Speaker: "agent"})
	a.Apply(protocol.Transcription{Text: "user says"})
	a.Apply(protocol.Transcription{Text: "agent done", Speaker: "agent", Final: true})

	if a.State("agent") != StateFinalized {
		t.Errorf("Expected agent finalized, got %s", a.State("agent"))
	}
	if live, ok := a.Live("user"); !ok || live.Text != "user says" {
		t.Errorf("User turn should be untouched, got %+v", live)
	}
	if len(a.History()) != 1 {
		t.Errorf("Expected 1 utterance, got %d", len(a.History()))
	}
}

func TestRandomInterleavingsKeepOneLivePerSpeaker(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := newTestAggregator()
	speakers := []string{"user", "agent"}
	finals := 0

	for i := 0; i < 500; i++ {
		sp := speakers[rng.Intn(len(speakers))]
		switch rng.Intn(5) {
		case 0:
			// A final for a stopped turn completes it in place
			if !a.Awaiting(sp) {
				finals++
			}
			a.Apply(protocol.Transcription{Text: "done", Final: true, Speaker: sp})
		case 1:
			if id, _, ok := a.CloseTurn(sp, 10); ok {
				if rng.Intn(2) == 0 {
					a.Fail(id)
				}
			}
		default:
			a.Apply(protocol.Transcription{Text: fmt.Sprintf("word %d", i), Speaker: sp})
		}

		for _, s := range speakers {
			live := 0
			if _, ok := a.Live(s); ok {
				live++
			}
			if turn := a.speakers[s]; turn != nil && turn.closing != nil {
				live++
			}
			if live > 1 {
				t.Fatalf("Speaker %s has %d unfinalized utterances at step %d", s, live, i)
			}
		}
	}

	if got := len(a.History()); got < finals {
		t.Errorf("Expected at least %d finalized utterances, got %d", finals, got)
	}
	ids := make(map[string]bool)
	for _, u := range a.History() {
		if ids[u.ID] {
			t.Fatalf("Utterance %s appended twice", u.ID)
		}
		ids[u.ID] = true
	}
}

func TestStatsAndTranscript(t *testing.T) {
	a := newTestAggregator()
	a.Apply(final("good morning"))
	a.Apply(protocol.SentimentResult{Sentiment: protocol.Sentiment{Type: protocol.SentimentPositive, Confidence: 0.9}})
	a.Apply(protocol.Transcription{Text: "this is bad", Final: true, Timestamp: 1.5})

	st := a.Stats()
	if st.Utterances != 2 || st.Words != 5 || st.Positive != 1 || st.Pending != 1 || st.DurationMs != 1500 {
		t.Errorf("Unexpected stats: %+v", st)
	}
	if got := a.Transcript(); got != "good morning this is bad" {
		t.Errorf("Unexpected transcript %q", got)
	}

	a.Reset()
	if len(a.History()) != 0 || a.State("user") != StateStopped {
		t.Error("Expected empty aggregator after reset")
	}
}

func TestHistoryReturnsCopies(t *testing.T) {
	a := newTestAggregator()
	a.Apply(final("immutable"))
	a.Apply(protocol.SentimentResult{Sentiment: protocol.Sentiment{Type: protocol.SentimentPositive, Confidence: 1}})

	h := a.History()
	h[0].Text = "changed"
	h[0].Sentiment.Type = protocol.SentimentNegative

	again := a.History()
	if again[0].Text != "immutable" || again[0].Sentiment.Type != protocol.SentimentPositive {
		t.Errorf("History leaked internal state: %+v", again[0])
	}
}

func TestIgnoresOtherMessages(t *testing.T) {
	a := newTestAggregator()
	if a.Apply(protocol.Pong{}) || a.Apply(protocol.Ping{}) {
		t.Error("Expected ping/pong to be ignored")
	}
	if a.Apply(partial("   ")) {
		t.Error("Expected blank partial to be ignored")
	}
}
