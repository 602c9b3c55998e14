// Package sessions persists the append-only chat log. Each session lives in
// its own directory under the state dir, holding metadata.json and
// history.json, plus compression artifacts once a session is sealed.
package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outerloop/agents/pkg/models"
)

const (
	metadataFile = "metadata.json"
	historyFile  = "history.json"
	summaryFile  = "compressed-summary.md"
	parentFile   = "parent-ref.json"
)

// Options configures the store.
type Options struct {
	// BaseDir is the sessions directory, typically .agents/sessions.
	BaseDir string
	// MaxHistorySize bounds the in-memory history; the oldest entries are
	// dropped beyond it. Default 100.
	MaxHistorySize int
	// MaxAgeDays prunes messages older than this on load. Default 30.
	MaxAgeDays int
}

func (o Options) withDefaults() Options {
	if o.MaxHistorySize <= 0 {
		o.MaxHistorySize = 100
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 30
	}
	return o
}

// parentRef is persisted as parent-ref.json on a compression successor.
type parentRef struct {
	ParentSessionID string `json:"parentSessionId"`
}

// Store owns the current session and its history. Writes are serialized by
// the store's mutex; callers never hold references into the live history.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *models.Session
	history []models.ChatMessage
}

// NewStore creates a session store rooted at opts.BaseDir.
func NewStore(opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		opts:   opts.withDefaults(),
		logger: logger.With("component", "sessions"),
	}
}

// StartSession begins a fresh session and persists its initial metadata.
func (s *Store) StartSession() (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked("")
}

func (s *Store) startLocked(parentID string) (*models.Session, error) {
	session := &models.Session{
		ID:              uuid.NewString(),
		StartTime:       time.Now().UTC(),
		ParentSessionID: parentID,
	}
	s.current = session
	s.history = nil

	if err := os.MkdirAll(s.sessionDir(session), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if parentID != "" {
		if err := writeJSON(filepath.Join(s.sessionDir(session), parentFile), parentRef{ParentSessionID: parentID}); err != nil {
			return nil, err
		}
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	s.logger.Info("session started", "session_id", session.ID, "parent", parentID)
	return session, nil
}

// Current returns a copy of the active session metadata.
func (s *Store) Current() (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.Session{}, false
	}
	return *s.current, true
}

// AppendMessage adds one message to the active session. History beyond
// MaxHistorySize drops its oldest entries.
func (s *Store) AppendMessage(msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		if _, err := s.startLocked(""); err != nil {
			return err
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.history = append(s.history, msg)
	if len(s.history) > s.opts.MaxHistorySize {
		s.history = s.history[len(s.history)-s.opts.MaxHistorySize:]
	}
	s.current.MessageCount = len(s.history)
	return nil
}

// AddTokens accumulates the token usage of the session.
func (s *Store) AddTokens(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.TokenCount += n
	}
}

// TokenCount returns the running token usage of the session.
func (s *Store) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.TokenCount
}

// LoadHistory returns a copy of the current history.
func (s *Store) LoadHistory() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Save persists the current session's metadata and history.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.current == nil {
		return nil
	}
	dir := s.sessionDir(s.current)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	s.current.MessageCount = len(s.history)
	if err := writeJSON(filepath.Join(dir, metadataFile), s.current); err != nil {
		return err
	}
	history := s.history
	if history == nil {
		history = []models.ChatMessage{}
	}
	return writeJSON(filepath.Join(dir, historyFile), history)
}

// Restore makes a persisted session current, pruning messages older than
// MaxAgeDays.
func (s *Store) Restore(sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.findSessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	var session models.Session
	if err := readJSON(filepath.Join(dir, metadataFile), &session); err != nil {
		return nil, fmt.Errorf("read session metadata: %w", err)
	}
	var history []models.ChatMessage
	if err := readJSON(filepath.Join(dir, historyFile), &history); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read session history: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.opts.MaxAgeDays)
	pruned := history[:0]
	for _, msg := range history {
		if msg.Timestamp.After(cutoff) {
			pruned = append(pruned, msg)
		}
	}

	s.current = &session
	s.history = pruned
	s.current.MessageCount = len(pruned)
	s.logger.Info("session restored", "session_id", session.ID, "messages", len(pruned))
	return &session, nil
}

// List returns the metadata of every persisted session, newest first.
func (s *Store) List() ([]models.Session, error) {
	entries, err := os.ReadDir(s.opts.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []models.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var session models.Session
		path := filepath.Join(s.opts.BaseDir, entry.Name(), metadataFile)
		if err := readJSON(path, &session); err != nil {
			s.logger.Warn("skipping unreadable session", "dir", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// CompressAndStartNewSession seals the current session with a summary and
// begins a successor that references it and starts from the compressed
// history.
func (s *Store) CompressAndStartNewSession(compressedHistory []models.ChatMessage, summary string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, fmt.Errorf("no active session to compress")
	}

	now := time.Now().UTC()
	s.current.EndTime = &now
	s.current.Compressed = true
	s.current.Summary = summary
	dir := s.sessionDir(s.current)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, summaryFile), []byte(summary), 0o644); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	parentID := s.current.ID
	successor, err := s.startLocked(parentID)
	if err != nil {
		return nil, err
	}
	s.history = append([]models.ChatMessage(nil), compressedHistory...)
	successor.MessageCount = len(s.history)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return successor, nil
}

// sessionDir is <base>/<start-date>_<id>.
func (s *Store) sessionDir(session *models.Session) string {
	name := fmt.Sprintf("%s_%s", session.StartTime.Format("2006-01-02"), session.ID)
	return filepath.Join(s.opts.BaseDir, name)
}

func (s *Store) findSessionDir(sessionID string) (string, error) {
	entries, err := os.ReadDir(s.opts.BaseDir)
	if err != nil {
		return "", fmt.Errorf("read sessions dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), "_"+sessionID) {
			return filepath.Join(s.opts.BaseDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("session %q not found", sessionID)
}

// writeJSON writes atomically via a temp file rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
