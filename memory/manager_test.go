package memory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemohq/mnemo/memory"
)

// fakeStore is an in-memory memory.Store with keyword-style search, enough
// to exercise the manager without touching a real vector index.
type fakeStore struct {
	mu   sync.Mutex
	recs map[string]memory.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]memory.Record)}
}

func (s *fakeStore) Add(ctx context.Context, id, content string, md memory.Metadata) error {
	if err := md.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; ok {
		return fmt.Errorf("add %s: %w", id, memory.ErrDuplicateID)
	}
	s.recs[id] = memory.Record{ID: id, Content: content, Metadata: md}
	return nil
}

func (s *fakeStore) Update(ctx context.Context, id string, content *string, md *memory.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return memory.ErrNotFound
	}
	if content != nil {
		rec.Content = *content
	}
	if md != nil {
		rec.Metadata = *md
	}
	s.recs[id] = rec
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return memory.ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return &rec, nil
}

func (s *fakeStore) Search(ctx context.Context, query string, topK int, filter memory.Filter) ([]memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Record
	for _, rec := range s.recs {
		if !filter.Matches(&rec.Metadata) {
			continue
		}
		if query == "" || strings.Contains(strings.ToLower(rec.Content), strings.ToLower(query)) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *fakeStore) GetByType(ctx context.Context, t memory.EntityType, status memory.Status, limit int) ([]memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Record
	for _, rec := range s.recs {
		if rec.Metadata.Type == t && rec.Metadata.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type fakeEncoder struct{ ready bool }

func (e *fakeEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	if !e.ready {
		return nil, fmt.Errorf("worker not ready")
	}
	return []float32{1, 0, 0}, nil
}
func (e *fakeEncoder) Ready() bool   { return e.ready }
func (e *fakeEncoder) Loading() bool { return false }

// fakeExtractor returns a fixed candidate list for every user turn.
type fakeExtractor struct{ cands []memory.Candidate }

func (f *fakeExtractor) Detect(text string) []memory.Candidate {
	out := make([]memory.Candidate, len(f.cands))
	copy(out, f.cands)
	for i := range out {
		out[i].ID = fmt.Sprintf("cand_%d_%d", time.Now().UnixNano(), i)
		out[i].DetectedAt = time.Now()
		out[i].SourceSnippet = text
	}
	return out
}

type fixture struct {
	m       *memory.Manager
	user    *fakeStore
	project *fakeStore
	enc     *fakeEncoder
	dir     string
}

func newFixture(t *testing.T, ext memory.Extractor) *fixture {
	t.Helper()
	f := &fixture{
		user:    newFakeStore(),
		project: newFakeStore(),
		enc:     &fakeEncoder{ready: true},
		dir:     t.TempDir(),
	}
	m, err := memory.NewManager(memory.ManagerConfig{
		ProjectDir: f.dir,
		UserDir:    filepath.Join(f.dir, "user"),
	}, f.user, f.project, f.enc, ext)
	require.NoError(t, err)
	f.m = m
	return f
}

func candidate(t memory.EntityType, content string, conf float64) memory.Candidate {
	return memory.Candidate{
		Type:             t,
		ExtractedContent: content,
		Confidence:       conf,
		Status:           memory.CandidateStatusPending,
		DetectionMethod:  memory.DetectionPattern,
	}
}

func TestManager_SingleActiveEpisode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.m.StartEpisode(ctx, "first task", nil)
	require.NoError(t, err)
	second, err := f.m.StartEpisode(ctx, "second task", []string{"auth"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// Starting the second must have archived the first.
	rec, err := f.project.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TypeEpisode, rec.Metadata.Type)
	assert.Equal(t, memory.StatusCompleted, rec.Metadata.Status)

	cur := f.m.CurrentEpisode()
	require.NotNil(t, cur)
	assert.Equal(t, second.ID, cur.ID)
}

func TestManager_CloseEpisodeWithoutActive(t *testing.T) {
	f := newFixture(t, nil)
	ep, err := f.m.CloseEpisode(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, ep)
}

func TestManager_CloseEpisodeGeneratesSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.m.StartEpisode(ctx, "refactor session", nil)
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "user", "please split the auth package")
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "assistant", "done, moved token logic out")
	require.NoError(t, err)

	closed, err := f.m.CloseEpisode(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.True(t, strings.HasPrefix(closed.Summary, "refactor session:"))
	assert.Contains(t, closed.Summary, "- user: please split the auth package")
	assert.Contains(t, closed.Summary, "- assistant: done, moved token logic out")

	rec, err := f.project.Get(ctx, closed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Metadata.MessageCount)
	require.NotNil(t, rec.Metadata.ClosedAt)
	assert.Nil(t, f.m.CurrentEpisode())
}

func TestManager_StaleEpisodeArchivedOnConstruction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	project := newFakeStore()

	created := time.Now().Add(-45 * time.Minute)
	state := map[string]any{
		"episode": memory.Episode{
			ID:        "ep_stale01",
			Title:     "stale work",
			Status:    memory.StatusActive,
			CreatedAt: created,
			EntityIDs: []string{},
		},
		"messages": []memory.Message{{
			ID: "msg_1", Role: "user", Content: "last words",
			Timestamp: created.Add(time.Minute), EpisodeID: "ep_stale01",
		}},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active_episode.json"), data, 0o644))

	m, err := memory.NewManager(memory.ManagerConfig{ProjectDir: dir},
		newFakeStore(), project, &fakeEncoder{ready: true}, nil)
	require.NoError(t, err)

	assert.Nil(t, m.CurrentEpisode())
	rec, err := project.Get(ctx, "ep_stale01")
	require.NoError(t, err)
	assert.Equal(t, memory.StatusCompleted, rec.Metadata.Status)
	assert.Contains(t, rec.Content, "[auto-closed]")
}

func TestManager_StaleEmptyEpisodeDiscarded(t *testing.T) {
	dir := t.TempDir()
	project := newFakeStore()

	state := map[string]any{
		"episode": memory.Episode{
			ID:        "ep_empty01",
			Title:     "never used",
			Status:    memory.StatusActive,
			CreatedAt: time.Now().Add(-2 * time.Hour),
			EntityIDs: []string{},
		},
		"messages": []memory.Message{},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active_episode.json"), data, 0o644))

	m, err := memory.NewManager(memory.ManagerConfig{ProjectDir: dir},
		newFakeStore(), project, &fakeEncoder{ready: true}, nil)
	require.NoError(t, err)

	assert.Nil(t, m.CurrentEpisode())
	assert.Equal(t, 0, project.Count(), "empty stale episode must not be archived")
}

func TestManager_CorruptStateFailsOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active_episode.json"), []byte("{not json"), 0o644))

	m, err := memory.NewManager(memory.ManagerConfig{ProjectDir: dir},
		newFakeStore(), newFakeStore(), &fakeEncoder{ready: true}, nil)
	require.NoError(t, err)
	assert.Nil(t, m.CurrentEpisode())
}

func TestManager_AutoConfirmRouting(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{cands: []memory.Candidate{
		candidate(memory.TypeDecision, "use postgres", 0.9),
		candidate(memory.TypePreference, "prefers short functions", 0.9),
		candidate(memory.TypeConcept, "maybe a concept", 0.6),
	}}
	f := newFixture(t, ext)

	_, err := f.m.CacheMessage(ctx, "user", "we will use postgres")
	require.NoError(t, err)

	// 0.9 candidates promote synchronously, routed by tier.
	projRecs, err := f.project.GetByType(ctx, memory.TypeDecision, memory.StatusActive, 10)
	require.NoError(t, err)
	require.Len(t, projRecs, 1)
	assert.Equal(t, "use postgres", projRecs[0].Content)

	userRecs, err := f.user.GetByType(ctx, memory.TypePreference, memory.StatusActive, 10)
	require.NoError(t, err)
	require.Len(t, userRecs, 1)

	// The 0.6 candidate only queues.
	pending := f.m.PendingCandidates()
	require.Len(t, pending, 1)
	assert.Equal(t, memory.TypeConcept, pending[0].Type)
	_, err = f.user.GetByType(ctx, memory.TypeConcept, memory.StatusActive, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, f.user.Count(), "low-confidence candidate must not be stored")
}

func TestManager_AssistantTurnsSkipExtraction(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{cands: []memory.Candidate{
		candidate(memory.TypeDecision, "use postgres", 0.9),
	}}
	f := newFixture(t, ext)

	_, err := f.m.CacheMessage(ctx, "assistant", "you could use postgres")
	require.NoError(t, err)
	assert.Equal(t, 0, f.project.Count())
	assert.Empty(t, f.m.PendingCandidates())
}

func TestManager_ConfirmAndRejectUnknownAreNoops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec, err := f.m.ConfirmEntity(ctx, "cand_nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
	f.m.RejectCandidate("cand_nope")
	assert.Equal(t, 0, f.project.Count())
}

func TestManager_ConfirmPromotesCandidate(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{cands: []memory.Candidate{
		candidate(memory.TypeDecision, "adopt grpc", 0.7),
	}}
	f := newFixture(t, ext)

	_, err := f.m.CacheMessage(ctx, "user", "thinking about grpc")
	require.NoError(t, err)
	pending := f.m.PendingCandidates()
	require.Len(t, pending, 1)

	rec, err := f.m.ConfirmEntity(ctx, pending[0].ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "adopt grpc", rec.Content)
	assert.Empty(t, f.m.PendingCandidates())

	stored, err := f.project.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusActive, stored.Metadata.Status)
}

func TestManager_DeprecateEntityEitherTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec, err := f.m.AddEntity(ctx, memory.TypePreference, "tabs not spaces", "", nil)
	require.NoError(t, err)

	require.NoError(t, f.m.DeprecateEntity(ctx, rec.ID, "ent_newer"))
	got, err := f.user.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusDeprecated, got.Metadata.Status)
	assert.Equal(t, "ent_newer", got.Metadata.SupersededBy)
	require.NotNil(t, got.Metadata.DeprecatedAt)

	err = f.m.DeprecateEntity(ctx, "ent_ghost", "")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestManager_RecallNeverFailsWhenEncoderDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.enc.ready = false

	_, err := f.m.StartEpisode(ctx, "current work", nil)
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "user", "remember the redis decision")
	require.NoError(t, err)
	_, err = f.m.AddEntity(ctx, memory.TypeDecision, "redis for caching", "", nil)
	require.NoError(t, err)

	res, err := f.m.Recall(ctx, "redis", 5, false)
	require.NoError(t, err, "recall must not fail with the worker down")
	assert.True(t, res.Degraded)
	require.Len(t, res.Entities, 1)
	require.NotNil(t, res.CurrentEpisode)
	assert.Equal(t, "current work", res.CurrentEpisode.Title)
	require.Len(t, res.RecentMessages, 1)
}

func TestManager_RecallSeparatesEpisodesFromEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.m.StartEpisode(ctx, "login fix", nil)
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "user", "login fix work")
	require.NoError(t, err)
	_, err = f.m.CloseEpisode(ctx, "login fix summary")
	require.NoError(t, err)
	_, err = f.m.AddEntity(ctx, memory.TypeDecision, "login fix uses jwt", "", nil)
	require.NoError(t, err)

	res, err := f.m.Recall(ctx, "login fix", 5, false)
	require.NoError(t, err)
	require.Len(t, res.Episodes, 1)
	assert.Equal(t, memory.TypeEpisode, res.Episodes[0].Metadata.Type)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, memory.TypeDecision, res.Entities[0].Metadata.Type)
	assert.False(t, res.Degraded)
}

func TestManager_SearchByTypeWithoutQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.enc.ready = false

	_, err := f.m.AddEntity(ctx, memory.TypeHabit, "commits small and often", "", nil)
	require.NoError(t, err)

	recs, err := f.m.SearchByType(ctx, memory.TypeHabit, "", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1, "metadata scan must work with the encoder offline")
	assert.Equal(t, "commits small and often", recs[0].Content)
}

func TestManager_GetEpisodeDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ep, err := f.m.StartEpisode(ctx, "detail test", nil)
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "user", "first turn")
	require.NoError(t, err)
	ent, err := f.m.AddEntity(ctx, memory.TypeDecision, "linked decision", "", nil)
	require.NoError(t, err)
	closed, err := f.m.CloseEpisode(ctx, "")
	require.NoError(t, err)
	require.Equal(t, ep.ID, closed.ID)

	detail, err := f.m.GetEpisodeDetail(ctx, ep.ID)
	require.NoError(t, err)
	require.Len(t, detail.Messages, 1)
	assert.Equal(t, "first turn", detail.Messages[0].Content)
	require.Len(t, detail.Entities, 1)
	assert.Equal(t, ent.ID, detail.Entities[0].ID)

	_, err = f.m.GetEpisodeDetail(ctx, "ep_missing")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestManager_CleanupOldMessages(t *testing.T) {
	f := newFixture(t, nil)

	now := time.Now()
	for i, age := range []int{0, 3, 8, 10} {
		msg := memory.Message{
			ID: fmt.Sprintf("msg_%d", i), Role: "user",
			Content:   fmt.Sprintf("aged %d days", age),
			Timestamp: now.AddDate(0, 0, -age),
		}
		line, err := json.Marshal(msg)
		require.NoError(t, err)
		file, err := os.OpenFile(filepath.Join(f.dir, "messages.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		require.NoError(t, err)
		_, err = file.Write(append(line, '\n'))
		require.NoError(t, err)
		require.NoError(t, file.Close())
	}

	removed, kept, err := f.m.CleanupOldMessages(7)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, kept)

	msgs, err := readLog(t, filepath.Join(f.dir, "messages.jsonl"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "aged 0 days", msgs[0].Content)
	assert.Equal(t, "aged 3 days", msgs[1].Content)
}

func readLog(t *testing.T, path string) ([]memory.Message, error) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []memory.Message
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var msg memory.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func TestManager_ClearMessageLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.m.CacheMessage(ctx, "user", "one")
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "assistant", "two")
	require.NoError(t, err)

	n, err := f.m.ClearMessageLog()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(f.dir, "messages.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestManager_MessageContentCleaned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	msg, err := f.m.CacheMessage(ctx, "user", "fix this:\n```go\nfunc main() {}\n```\nand the `helper` too")
	require.NoError(t, err)
	assert.NotContains(t, msg.Content, "func main")
	assert.Contains(t, msg.Content, "[code block omitted]")
	assert.Contains(t, msg.Content, "[code]")
	assert.NotContains(t, msg.Content, "`helper`")
}

func TestManager_PruneStalePending(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{cands: []memory.Candidate{
		candidate(memory.TypeConcept, "keep me", 0.6),
	}}
	f := newFixture(t, ext)

	_, err := f.m.CacheMessage(ctx, "user", "fresh candidate")
	require.NoError(t, err)
	require.Len(t, f.m.PendingCandidates(), 1)

	assert.Equal(t, 0, f.m.PruneStalePending(time.Hour))
	assert.Equal(t, 1, f.m.PruneStalePending(time.Nanosecond))
	assert.Empty(t, f.m.PendingCandidates())
}

func TestManager_ListEpisodesOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for _, title := range []string{"oldest", "middle", "newest"} {
		_, err := f.m.StartEpisode(ctx, title, nil)
		require.NoError(t, err)
		_, err = f.m.CacheMessage(ctx, "user", "work on "+title)
		require.NoError(t, err)
		_, err = f.m.CloseEpisode(ctx, title+" summary")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	desc, err := f.m.ListEpisodes(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, "newest", desc[0].Metadata.Title)

	asc, err := f.m.ListEpisodes(ctx, true, 2)
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, "oldest", asc[0].Metadata.Title)
	assert.Equal(t, "middle", asc[1].Metadata.Title)
}

func TestManager_ListEpisodesSmallPageKeepsNewest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for i := 0; i < 5; i++ {
		title := fmt.Sprintf("session-%d", i)
		_, err := f.m.StartEpisode(ctx, title, nil)
		require.NoError(t, err)
		_, err = f.m.CacheMessage(ctx, "user", "work on "+title)
		require.NoError(t, err)
		_, err = f.m.CloseEpisode(ctx, title+" summary")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	// A page smaller than the archive must still start at the newest
	// episode, not at whatever an oldest-first scan happened to keep.
	page, err := f.m.ListEpisodes(ctx, false, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "session-4", page[0].Metadata.Title)
	assert.Equal(t, "session-3", page[1].Metadata.Title)
}

func TestManager_GetStats(t *testing.T) {
	ctx := context.Background()
	ext := &fakeExtractor{cands: []memory.Candidate{
		candidate(memory.TypeConcept, "pending one", 0.6),
	}}
	f := newFixture(t, ext)

	_, err := f.m.StartEpisode(ctx, "stats session", nil)
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "user", "hello")
	require.NoError(t, err)
	_, err = f.m.AddEntity(ctx, memory.TypeDecision, "count me", "", nil)
	require.NoError(t, err)

	stats := f.m.GetStats()
	assert.Equal(t, "stats session", stats.CurrentEpisode)
	assert.Equal(t, 1, stats.CurrentMsgs)
	assert.Equal(t, 1, stats.ProjectCount)
	assert.Equal(t, 1, stats.PendingTotal)
	assert.Equal(t, 1, stats.PendingByType[memory.TypeConcept])
	assert.True(t, stats.EncoderReady)
}

func TestManager_StateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ep, err := f.m.StartEpisode(ctx, "long running", nil)
	require.NoError(t, err)
	_, err = f.m.CacheMessage(ctx, "user", "still going")
	require.NoError(t, err)

	// A new manager over the same directory recovers the fresh episode.
	m2, err := memory.NewManager(memory.ManagerConfig{ProjectDir: f.dir},
		f.user, f.project, f.enc, nil)
	require.NoError(t, err)
	cur := m2.CurrentEpisode()
	require.NotNil(t, cur)
	assert.Equal(t, ep.ID, cur.ID)
}
