package debuglog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxSize rotates the journal at 8MB
	DefaultMaxSize = 8 * 1024 * 1024

	// RotatedSuffix is appended to the rotated journal
	RotatedSuffix = ".1"
)

// EntryType represents the type of journal entry
type EntryType string

const (
	EntrySessionStart EntryType = "session_start"
	EntrySessionStop  EntryType = "session_stop"
	EntryConnection   EntryType = "connection"
	EntryUtterance    EntryType = "utterance"
	EntrySentiment    EntryType = "sentiment"
	EntryError        EntryType = "error"
)

// Entry is a single journal line. Transcript text is never recorded, only
// its shape.
type Entry struct {
	Timestamp   string    `json:"timestamp"`
	Type        EntryType `json:"type"`
	Seq         int       `json:"seq"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Speaker     string    `json:"speaker,omitempty"`
	Words       int       `json:"words,omitempty"`
	Sentiment   string    `json:"sentiment,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	State       string    `json:"state,omitempty"`
	Error       string    `json:"error,omitempty"`
	Duration    float64   `json:"duration_seconds,omitempty"`
	Utterances  int       `json:"utterances,omitempty"`
}

// Journal appends session events to a JSON lines file with rotation
type Journal struct {
	file     *os.File
	mu       sync.Mutex
	path     string
	maxSize  int64
	seq      int
	disabled bool
}

// New creates a journal at path. An empty path disables it. maxSize <= 0
// uses DefaultMaxSize.
func New(path string, maxSize int64) (*Journal, error) {
	if path == "" {
		return &Journal{disabled: true}, nil
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	// Expand home directory if present
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		file:    file,
		path:    path,
		maxSize: maxSize,
	}

	// Rotate a journal left oversized by a previous run
	if err := j.checkRotation(); err != nil {
		file.Close()
		return nil, err
	}

	return j, nil
}

// SessionStarted records the start of capture
func (j *Journal) SessionStarted() error {
	return j.write(Entry{Type: EntrySessionStart})
}

// SessionStopped records the end of capture
func (j *Journal) SessionStopped(duration time.Duration, utterances int) error {
	return j.write(Entry{
		Type:       EntrySessionStop,
		Duration:   duration.Seconds(),
		Utterances: utterances,
	})
}

// Connection records a transport state change
func (j *Journal) Connection(state string) error {
	return j.write(Entry{Type: EntryConnection, State: state})
}

// Utterance records a finalized utterance
func (j *Journal) Utterance(id, speaker string, words int) error {
	return j.write(Entry{
		Type:        EntryUtterance,
		UtteranceID: id,
		Speaker:     speaker,
		Words:       words,
	})
}

// Sentiment records the sentiment attached to an utterance
func (j *Journal) Sentiment(id, sentiment string, confidence float64) error {
	return j.write(Entry{
		Type:        EntrySentiment,
		UtteranceID: id,
		Sentiment:   sentiment,
		Confidence:  confidence,
	})
}

// Error records a surfaced error
func (j *Journal) Error(err error) error {
	return j.write(Entry{Type: EntryError, Error: err.Error()})
}

func (j *Journal) write(entry Entry) error {
	if j.disabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	entry.Seq = j.seq
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// Sync so a crash keeps the tail
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return j.checkRotation()
}

// checkRotation renames the journal to path.1 once it reaches maxSize
func (j *Journal) checkRotation() error {
	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	if info.Size() < j.maxSize {
		return nil
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	rotatedPath := j.path + RotatedSuffix
	os.Remove(rotatedPath) // Ignore error if file doesn't exist
	if err := os.Rename(j.path, rotatedPath); err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open new journal: %w", err)
	}

	j.file = file
	return nil
}

// Close closes the journal file
func (j *Journal) Close() error {
	if j.disabled {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.file.Close()
}
