package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists memories in a SQLite database. Matching is keyword
// overlap computed in process; SQLite provides durability and tag filtering,
// not ranking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. An empty path uses
// an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			access_count INTEGER DEFAULT 0,
			success_rate REAL DEFAULT 1.0,
			last_accessed DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, entryType EntryType, content any, tags []string) error {
	payload, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, tags, access_count, success_rate, last_accessed, created_at)
		VALUES (?, ?, ?, ?, 0, 1.0, ?, ?)
	`, uuid.NewString(), string(entryType), string(payload), string(tagsJSON), now, now)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StoreSuccessPattern(ctx context.Context, task string, steps []string, meta map[string]any) error {
	return s.insert(ctx, TypeSuccessPattern, successPatternContent{Task: task, Steps: steps, Meta: meta}, tagsFromMeta(meta))
}

func (s *SQLiteStore) StoreErrorPattern(ctx context.Context, errorMsg, solution string, meta map[string]any) error {
	return s.insert(ctx, TypeErrorSolution, errorPatternContent{Error: errorMsg, Solution: solution, Meta: meta}, tagsFromMeta(meta))
}

func (s *SQLiteStore) FindErrorSolution(ctx context.Context, errorText string, ctxTags []string) (*Solution, error) {
	entries, err := s.loadByType(ctx, TypeErrorSolution)
	if err != nil {
		return nil, err
	}

	queryWords := keywords(errorText)
	var best *Entry
	var bestPattern errorPatternContent
	bestScore := 0.0
	for _, entry := range entries {
		if !tagsMatch(entry.Tags, ctxTags) {
			continue
		}
		var pattern errorPatternContent
		if err := json.Unmarshal(entry.Content, &pattern); err != nil {
			continue
		}
		if pattern.Solution == "" {
			continue
		}
		score := similarity(queryWords, keywords(pattern.Error))
		if score > bestScore {
			bestScore = score
			best = entry
			bestPattern = pattern
		}
	}
	if best == nil || bestScore == 0 {
		return nil, nil
	}

	s.touch(ctx, best.ID)
	return &Solution{
		Solution:   bestPattern.Solution,
		Confidence: bestScore * best.SuccessRate,
	}, nil
}

func (s *SQLiteStore) Recall(ctx context.Context, query string, ctxTags []string) ([]*Entry, error) {
	entries, err := s.loadByType(ctx, "")
	if err != nil {
		return nil, err
	}

	queryWords := keywords(query)
	type ranked struct {
		entry *Entry
		score float64
	}
	var matches []ranked
	for _, entry := range entries {
		if !tagsMatch(entry.Tags, ctxTags) {
			continue
		}
		score := similarity(queryWords, keywords(string(entry.Content)))
		if score > 0 {
			matches = append(matches, ranked{entry, score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	out := make([]*Entry, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.entry)
	}
	return out, nil
}

func (s *SQLiteStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*), AVG(success_rate) FROM memories GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	stats := &Statistics{CountsByType: make(map[string]int)}
	weighted := 0.0
	for rows.Next() {
		var entryType string
		var count int
		var avgRate sql.NullFloat64
		if err := rows.Scan(&entryType, &count, &avgRate); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		stats.CountsByType[entryType] = count
		stats.TotalMemories += count
		if avgRate.Valid {
			weighted += avgRate.Float64 * float64(count)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.TotalMemories > 0 {
		stats.AverageSuccessRate = weighted / float64(stats.TotalMemories)
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// loadByType reads entries, optionally filtered to one type.
func (s *SQLiteStore) loadByType(ctx context.Context, entryType EntryType) ([]*Entry, error) {
	query := "SELECT id, type, content, tags, access_count, success_rate, last_accessed, created_at FROM memories"
	var args []any
	if entryType != "" {
		query += " WHERE type = ?"
		args = append(args, string(entryType))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var typeStr, contentStr string
		var tagsStr sql.NullString
		var lastAccessed sql.NullTime
		if err := rows.Scan(&entry.ID, &typeStr, &contentStr, &tagsStr,
			&entry.AccessCount, &entry.SuccessRate, &lastAccessed, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		entry.Type = EntryType(typeStr)
		entry.Content = json.RawMessage(contentStr)
		if tagsStr.Valid && tagsStr.String != "" {
			if err := json.Unmarshal([]byte(tagsStr.String), &entry.Tags); err != nil {
				entry.Tags = nil
			}
		}
		if lastAccessed.Valid {
			entry.LastAccessed = lastAccessed.Time
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// touch bumps the access statistics of an entry. Best effort.
func (s *SQLiteStore) touch(ctx context.Context, id string) {
	s.db.ExecContext(ctx,
		"UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?",
		time.Now().UTC(), id)
}

func tagsFromMeta(meta map[string]any) []string {
	var tags []string
	if meta == nil {
		return tags
	}
	if raw, ok := meta["tags"]; ok {
		switch v := raw.(type) {
		case []string:
			tags = append(tags, v...)
		case []any:
			for _, item := range v {
				if str, ok := item.(string); ok {
					tags = append(tags, str)
				}
			}
		case string:
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					tags = append(tags, part)
				}
			}
		}
	}
	if tool, ok := meta["tool"].(string); ok && tool != "" {
		tags = append(tags, tool)
	}
	return tags
}
