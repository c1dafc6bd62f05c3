package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentkernel/runtime/internal/kernel"
)

func newLessonStore(t *testing.T, cfg LessonStoreConfig) *LessonStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "lessons.jsonl")
	}
	s, err := NewLessonStore(cfg)
	if err != nil {
		t.Fatalf("NewLessonStore: %v", err)
	}
	return s
}

func TestLessonStore_AppendAndQueryByKeyword(t *testing.T) {
	ctx := context.Background()
	s := newLessonStore(t, LessonStoreConfig{})

	if err := s.AppendLesson(ctx, kernel.Lesson{
		TaskSummary: "deploy the billing service to production",
		Outcome:     kernel.StatusCompleted,
		Lesson:      "always run the smoke test before flipping the load balancer",
		ToolNames:   []string{"deploy_tool", "smoke_test"},
		SessionID:   "sess-1",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendLesson: %v", err)
	}
	if err := s.AppendLesson(ctx, kernel.Lesson{
		TaskSummary: "rotate the database credentials",
		Outcome:     kernel.StatusFailed,
		Lesson:      "check the secret manager quota before rotating",
		ToolNames:   []string{"secrets_tool"},
		SessionID:   "sess-2",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendLesson: %v", err)
	}

	hits := s.Query(ctx, "deploy billing service", []string{"deploy_tool"}, 3)
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].TaskSummary != "deploy the billing service to production" {
		t.Errorf("top hit = %q, want the deploy lesson", hits[0].TaskSummary)
	}
}

func TestLessonStore_QueryUpdatesRelevanceCount(t *testing.T) {
	ctx := context.Background()
	s := newLessonStore(t, LessonStoreConfig{})
	if err := s.AppendLesson(ctx, kernel.Lesson{
		TaskSummary: "scale the worker pool",
		Outcome:     kernel.StatusCompleted,
		Lesson:      "watch for thread starvation",
		SessionID:   "sess-3",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendLesson: %v", err)
	}

	s.Query(ctx, "scale the worker pool", nil, 3)
	s.Query(ctx, "scale the worker pool", nil, 3)

	s.mu.RLock()
	var count int
	for _, rec := range s.lessons {
		count = rec.RelevanceCount
	}
	s.mu.RUnlock()
	if count != 2 {
		t.Errorf("RelevanceCount = %d, want 2", count)
	}
}

func TestLessonStore_ReloadsFromDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lessons.jsonl")

	s1 := newLessonStore(t, LessonStoreConfig{Path: path})
	if err := s1.AppendLesson(ctx, kernel.Lesson{
		TaskSummary: "backfill analytics events",
		Outcome:     kernel.StatusCompleted,
		Lesson:      "batch inserts in chunks of 500",
		SessionID:   "sess-4",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendLesson: %v", err)
	}

	s2 := newLessonStore(t, LessonStoreConfig{Path: path})
	hits := s2.Query(ctx, "backfill analytics events", nil, 3)
	if len(hits) != 1 {
		t.Fatalf("Query after reload = %v, want 1 hit", hits)
	}
}

func TestLessonStore_PrunesStaleZeroRelevanceLessons(t *testing.T) {
	ctx := context.Background()
	s := newLessonStore(t, LessonStoreConfig{PruneHorizon: time.Hour})

	if err := s.AppendLesson(ctx, kernel.Lesson{
		TaskSummary: "ancient unused lesson",
		Outcome:     kernel.StatusCompleted,
		Lesson:      "nobody asked about this in a year",
		SessionID:   "sess-5",
		CreatedAt:   time.Now().UTC().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("AppendLesson: %v", err)
	}

	// A second append triggers prune as a side effect.
	if err := s.AppendLesson(ctx, kernel.Lesson{
		TaskSummary: "fresh lesson",
		Outcome:     kernel.StatusCompleted,
		Lesson:      "just learned this",
		SessionID:   "sess-6",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendLesson: %v", err)
	}

	s.mu.RLock()
	_, stale := s.lessons["lesson-sess-5-1"]
	s.mu.RUnlock()
	if stale {
		t.Error("expected stale zero-relevance lesson to be pruned")
	}
}

func TestLessonStore_CapsTotalLessonsEvictingLeastRelevant(t *testing.T) {
	ctx := context.Background()
	s := newLessonStore(t, LessonStoreConfig{MaxLessons: 2, PruneHorizon: 24 * time.Hour})

	for i := 0; i < 3; i++ {
		if err := s.AppendLesson(ctx, kernel.Lesson{
			TaskSummary: "task",
			Outcome:     kernel.StatusCompleted,
			Lesson:      "lesson",
			SessionID:   "sess",
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			t.Fatalf("AppendLesson: %v", err)
		}
	}

	s.mu.RLock()
	n := len(s.lessons)
	s.mu.RUnlock()
	if n > 2 {
		t.Errorf("lesson count = %d, want at most 2 after cap", n)
	}
}

func TestLessonStore_SatisfiesKernelMemoryStore(t *testing.T) {
	var _ kernel.MemoryStore = (*LessonStore)(nil)
}
