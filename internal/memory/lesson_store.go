package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentkernel/runtime/internal/kernel"
)

// defaultMaxLessons and defaultPruneHorizon mirror spec.md §6's
// "Active Memory on disk" pruning rule: drop lessons older than a
// configurable horizon with zero retrievals, cap total at MAX_LESSONS
// evicting least-relevant first.
const (
	defaultMaxLessons   = 500
	defaultPruneHorizon = 30 * 24 * time.Hour
)

// lessonRecord is the on-disk shape of a kernel.Lesson, one per line.
// It duplicates kernel.Lesson's fields rather than embedding it so the
// wire format is independent of the in-process struct's json tags.
type lessonRecord struct {
	LessonID        string     `json:"lesson_id"`
	TaskSummary     string     `json:"task_summary"`
	Outcome         string     `json:"outcome"`
	Lesson          string     `json:"lesson"`
	ToolNames       []string   `json:"tool_names"`
	SessionID       string     `json:"session_id"`
	CreatedAt       time.Time  `json:"created_at"`
	RelevanceCount  int        `json:"relevance_count"`
	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
}

func toRecord(l kernel.Lesson) lessonRecord {
	return lessonRecord{
		LessonID:       l.LessonID,
		TaskSummary:    l.TaskSummary,
		Outcome:        string(l.Outcome),
		Lesson:         l.Lesson,
		ToolNames:      l.ToolNames,
		SessionID:      l.SessionID,
		CreatedAt:      l.CreatedAt,
		RelevanceCount: l.RelevanceCount,
	}
}

// LessonStore is the Active Memory of spec.md §3/§4.G/§6: a keyword-
// plus-tool-scored, line-delimited Lesson journal, pruned on load and
// on append. It implements kernel.MemoryStore.
//
// Persistence follows the same atomic snapshot-plus-rename idiom as
// internal/scheduler's FileStore (itself grounded on
// internal/pairing/store.go's writeStore); the teacher's own
// internal/memory package is a vector-embedding semantic search system
// (sqlite-vec/pgvector/lancedb backends, openai/ollama embedders) built
// for a fundamentally different retrieval contract (nearest-neighbor
// over embeddings) than the keyword-plus-tool-overlap scoring spec.md
// names, so it is not reused here.
type LessonStore struct {
	mu   sync.RWMutex
	path string

	maxLessons   int
	pruneHorizon time.Duration

	lessons map[string]*lessonRecord
	order   []string
}

// LessonStoreConfig configures a LessonStore.
type LessonStoreConfig struct {
	Path string
	// MaxLessons caps total retained lessons; 0 uses defaultMaxLessons.
	MaxLessons int
	// PruneHorizon is how long a zero-retrieval lesson survives before
	// eviction; 0 uses defaultPruneHorizon.
	PruneHorizon time.Duration
}

// NewLessonStore constructs a LessonStore backed by cfg.Path, loading
// and pruning any existing lessons immediately.
func NewLessonStore(cfg LessonStoreConfig) (*LessonStore, error) {
	if cfg.MaxLessons <= 0 {
		cfg.MaxLessons = defaultMaxLessons
	}
	if cfg.PruneHorizon <= 0 {
		cfg.PruneHorizon = defaultPruneHorizon
	}
	s := &LessonStore{
		path:         cfg.Path,
		maxLessons:   cfg.MaxLessons,
		pruneHorizon: cfg.PruneHorizon,
		lessons:      make(map[string]*lessonRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.pruneLocked(time.Now().UTC())
	return s, nil
}

func (s *LessonStore) load() error {
	if s.path == "" {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open lesson store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec lessonRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if _, exists := s.lessons[rec.LessonID]; !exists {
			s.order = append(s.order, rec.LessonID)
		}
		r := rec
		s.lessons[rec.LessonID] = &r
	}
	return scanner.Err()
}

// pruneLocked drops zero-retrieval lessons older than pruneHorizon,
// then caps total count by evicting the least-relevant remainder.
// Callers must hold s.mu.
func (s *LessonStore) pruneLocked(now time.Time) {
	kept := s.order[:0:0]
	for _, id := range s.order {
		rec := s.lessons[id]
		if rec.RelevanceCount == 0 && now.Sub(rec.CreatedAt) > s.pruneHorizon {
			delete(s.lessons, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if len(s.order) <= s.maxLessons {
		return
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.lessons[s.order[i]], s.lessons[s.order[j]]
		if a.RelevanceCount != b.RelevanceCount {
			return a.RelevanceCount < b.RelevanceCount
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	evict := len(s.order) - s.maxLessons
	for _, id := range s.order[:evict] {
		delete(s.lessons, id)
	}
	s.order = s.order[evict:]
}

func (s *LessonStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create lesson store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create lesson store tmp file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, id := range s.order {
		rec, ok := s.lessons[id]
		if !ok {
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal lesson %s: %w", id, err)
		}
		if _, err := w.Write(line); err != nil {
			f.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// AppendLesson stores a new Lesson, assigning a lesson_id if the
// caller left one unset, and re-prunes before persisting.
func (s *LessonStore) AppendLesson(ctx context.Context, lesson kernel.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := toRecord(lesson)
	if rec.LessonID == "" {
		rec.LessonID = fmt.Sprintf("lesson-%s-%d", lesson.SessionID, len(s.order)+1)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.lessons[rec.LessonID]; !exists {
		s.order = append(s.order, rec.LessonID)
	}
	s.lessons[rec.LessonID] = &rec

	s.pruneLocked(time.Now().UTC())
	return s.persistLocked()
}

// Query returns up to limit lessons scored by keyword overlap with
// taskText plus a bonus for tool-name overlap, per spec.md §3's
// "retrieved by keyword + tool-name scoring" rule. A matching lesson's
// relevance_count and last_retrieved_at are updated and persisted.
func (s *LessonStore) Query(ctx context.Context, taskText string, toolNames []string, limit int) []kernel.MemoryHit {
	if limit <= 0 {
		limit = 3
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	taskTokens := tokenize(taskText)
	toolSet := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		toolSet[strings.ToLower(n)] = true
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, id := range s.order {
		rec := s.lessons[id]
		score := keywordScore(taskTokens, rec.TaskSummary, rec.Lesson)
		score += toolOverlapScore(toolSet, rec.ToolNames)
		if score > 0 {
			candidates = append(candidates, scored{id: id, score: score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return s.lessons[candidates[i].id].CreatedAt.After(s.lessons[candidates[j].id].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now().UTC()
	hits := make([]kernel.MemoryHit, 0, len(candidates))
	for _, c := range candidates {
		rec := s.lessons[c.id]
		rec.RelevanceCount++
		rec.LastRetrievedAt = &now
		hits = append(hits, kernel.MemoryHit{
			LessonID:    rec.LessonID,
			TaskSummary: rec.TaskSummary,
			Lesson:      rec.Lesson,
			Score:       c.score,
		})
	}
	if len(candidates) > 0 {
		_ = s.persistLocked()
	}
	return hits
}

func tokenize(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?:;\"'()[]{}")
		if f != "" {
			out[f] = true
		}
	}
	return out
}

// keywordScore is the fraction of taskTokens that also appear in the
// lesson's summary or lesson text.
func keywordScore(taskTokens map[string]bool, summary, lesson string) float64 {
	if len(taskTokens) == 0 {
		return 0
	}
	lessonTokens := tokenize(summary + " " + lesson)
	matches := 0
	for t := range taskTokens {
		if lessonTokens[t] {
			matches++
		}
	}
	return float64(matches) / float64(len(taskTokens))
}

// toolOverlapScore adds 0.2 per tool name shared between the query and
// the lesson, capped so it cannot dominate the keyword score.
func toolOverlapScore(toolSet map[string]bool, lessonTools []string) float64 {
	if len(toolSet) == 0 {
		return 0
	}
	matches := 0
	for _, t := range lessonTools {
		if toolSet[strings.ToLower(t)] {
			matches++
		}
	}
	score := float64(matches) * 0.2
	if score > 1.0 {
		score = 1.0
	}
	return score
}
