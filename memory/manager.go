package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultAutoConfirmThreshold promotes extraction candidates at or
	// above this confidence straight to active records.
	DefaultAutoConfirmThreshold = 0.85

	// DefaultStaleAfter is how long an episode may sit idle before the
	// next Manager construction auto-closes it.
	DefaultStaleAfter = 30 * time.Minute

	// DefaultPendingRetention bounds how long unconfirmed candidates
	// survive PruneStalePending.
	DefaultPendingRetention = 7 * 24 * time.Hour

	stateFileName   = "active_episode.json"
	logFileName     = "messages.jsonl"
	pendingFileName = "pending_entities.json"
)

// ManagerConfig carries the paths and thresholds for one Manager.
type ManagerConfig struct {
	// ProjectDir holds the project tier plus all episode and candidate
	// state files.
	ProjectDir string

	// UserDir is reported in stats; the user-tier store itself is
	// injected already opened.
	UserDir string

	AutoConfirmThreshold float64
	StaleAfter           time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.AutoConfirmThreshold == 0 {
		c.AutoConfirmThreshold = DefaultAutoConfirmThreshold
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = DefaultStaleAfter
	}
}

// Manager orchestrates the two storage tiers, the extraction pipeline and
// the episode lifecycle. It exclusively owns the active-episode state and
// the append-only message log; the stores own everything persisted with an
// embedding.
type Manager struct {
	cfg       ManagerConfig
	user      Store
	project   Store
	encoder   Encoder
	extractor Extractor

	stateFile   string
	logFile     string
	pendingFile string

	mu       sync.Mutex
	episode  *Episode
	messages []Message
	pending  []Candidate
	entropy  *rand.Rand
}

// NewManager wires the tiers together and recovers episode state from disk.
// An unreadable recovery file is treated as "no active episode" so durable
// data is never blocked behind corrupt state. An episode idle for longer
// than StaleAfter is closed here: archived when it has messages, discarded
// otherwise.
func NewManager(cfg ManagerConfig, user, project Store, enc Encoder, ext Extractor) (*Manager, error) {
	if user == nil || project == nil {
		return nil, errors.New("both storage tiers are required")
	}
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.ProjectDir, 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	m := &Manager{
		cfg:         cfg,
		user:        user,
		project:     project,
		encoder:     enc,
		extractor:   ext,
		stateFile:   filepath.Join(cfg.ProjectDir, stateFileName),
		logFile:     filepath.Join(cfg.ProjectDir, logFileName),
		pendingFile: filepath.Join(cfg.ProjectDir, pendingFileName),
		entropy:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadState()
	m.loadPending()
	m.closeStaleLocked(context.Background())
	return m, nil
}

func (m *Manager) newMessageID() string {
	return "msg_" + ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

func newEntityID() string  { return "ent_" + shortID() }
func newEpisodeID() string { return "ep_" + shortID() }

func shortID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:4])
}

// ---- entity management ----

// AddEntity stores a new active record, routed to the user or project tier
// by type, and links it into the active episode when one exists.
func (m *Manager) AddEntity(ctx context.Context, t EntityType, content, reason string, relatedIDs []string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addEntityLocked(ctx, t, content, reason, relatedIDs)
}

func (m *Manager) addEntityLocked(ctx context.Context, t EntityType, content, reason string, relatedIDs []string) (*Record, error) {
	if t == TypeEpisode {
		return nil, fmt.Errorf("episode records are created by CloseEpisode, not AddEntity")
	}
	md := Metadata{
		Type:       t,
		Status:     StatusActive,
		CreatedAt:  time.Now(),
		Reason:     reason,
		RelatedIDs: relatedIDs,
	}
	if m.episode != nil {
		md.EpisodeID = m.episode.ID
	}

	id := newEntityID()
	if err := m.tierFor(t).Add(ctx, id, content, md); err != nil {
		return nil, fmt.Errorf("add %s entity: %w", t, err)
	}

	if m.episode != nil {
		m.episode.EntityIDs = append(m.episode.EntityIDs, id)
		m.saveStateLocked()
	}
	return &Record{ID: id, Content: content, Metadata: md}, nil
}

func (m *Manager) tierFor(t EntityType) Store {
	if t.UserTier() {
		return m.user
	}
	return m.project
}

// ConfirmEntity promotes a pending candidate to an active record. An
// unknown candidate id is a no-op.
func (m *Manager) ConfirmEntity(ctx context.Context, candidateID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i := range m.pending {
		if m.pending[i].ID == candidateID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}
	cand := m.pending[idx]
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
	m.savePendingLocked()

	reason := fmt.Sprintf("confirmed from %s detection (confidence %.2f)", cand.DetectionMethod, cand.Confidence)
	return m.addEntityLocked(ctx, cand.Type, cand.ExtractedContent, reason, nil)
}

// RejectCandidate drops a pending candidate. An unknown id is a no-op.
func (m *Manager) RejectCandidate(candidateID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.pending[:0]
	for _, c := range m.pending {
		if c.ID != candidateID {
			kept = append(kept, c)
		}
	}
	if len(kept) != len(m.pending) {
		m.pending = kept
		m.savePendingLocked()
	}
}

// PendingCandidates returns a copy of the unconfirmed extraction queue.
func (m *Manager) PendingCandidates() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Candidate, len(m.pending))
	copy(out, m.pending)
	return out
}

// PruneStalePending drops candidates detected longer than retention ago
// and returns how many were removed. Zero retention means
// DefaultPendingRetention.
func (m *Manager) PruneStalePending(retention time.Duration) int {
	if retention == 0 {
		retention = DefaultPendingRetention
	}
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.pending[:0]
	for _, c := range m.pending {
		if c.DetectedAt.After(cutoff) {
			kept = append(kept, c)
		}
	}
	removed := len(m.pending) - len(kept)
	if removed > 0 {
		m.pending = kept
		m.savePendingLocked()
	}
	return removed
}

// DeprecateEntity marks a record deprecated in whichever tier holds it,
// stamping deprecated_at and the optional successor id. The record keeps
// its content and embedding; only its status changes.
func (m *Manager) DeprecateEntity(ctx context.Context, id, supersededBy string) error {
	store := m.project
	rec, err := store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		store = m.user
		rec, err = store.Get(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("deprecate %s: %w", id, err)
	}

	now := time.Now()
	md := rec.Metadata
	md.Status = StatusDeprecated
	md.DeprecatedAt = &now
	if supersededBy != "" {
		md.SupersededBy = supersededBy
	}
	if err := store.Update(ctx, id, nil, &md); err != nil {
		return fmt.Errorf("deprecate %s: %w", id, err)
	}
	return nil
}

// ---- retrieval ----

// RecallResult is the combined answer to a recall query.
type RecallResult struct {
	Episodes       []Record  `json:"episodes"`
	Entities       []Record  `json:"entities"`
	CurrentEpisode *Episode  `json:"current_episode,omitempty"`
	RecentMessages []Message `json:"recent_messages,omitempty"`

	// Degraded is set when the embedding worker was not ready and the
	// results came from keyword matching instead of vector search.
	Degraded bool `json:"degraded,omitempty"`
}

// Recall runs the three-way search: project entities excluding episodes,
// completed episode summaries, and user-tier entities, merged with the
// live episode context. It never fails because the embedding worker is
// down; the stores fall back to keyword matching and the result carries a
// degraded marker.
func (m *Manager) Recall(ctx context.Context, query string, topK int, includeDeprecated bool) (*RecallResult, error) {
	entityFilter := Filter{NotEquals: map[string]string{"type": string(TypeEpisode)}}
	userFilter := Filter{}
	if !includeDeprecated {
		entityFilter.Equals = map[string]string{"status": string(StatusActive)}
		userFilter.Equals = map[string]string{"status": string(StatusActive)}
	}
	episodeFilter := Filter{Equals: map[string]string{
		"type":   string(TypeEpisode),
		"status": string(StatusCompleted),
	}}

	projectEntities, err := m.project.Search(ctx, query, topK, entityFilter)
	if err != nil {
		return nil, fmt.Errorf("recall project entities: %w", err)
	}
	episodes, err := m.project.Search(ctx, query, topK, episodeFilter)
	if err != nil {
		return nil, fmt.Errorf("recall episodes: %w", err)
	}
	userEntities, err := m.user.Search(ctx, query, topK, userFilter)
	if err != nil {
		return nil, fmt.Errorf("recall user entities: %w", err)
	}

	res := &RecallResult{
		Episodes: episodes,
		Entities: append(projectEntities, userEntities...),
		Degraded: !m.encoder.Ready(),
	}

	m.mu.Lock()
	if m.episode != nil {
		ep := *m.episode
		res.CurrentEpisode = &ep
	}
	start := len(m.messages) - 5
	if start < 0 {
		start = 0
	}
	res.RecentMessages = append(res.RecentMessages, m.messages[start:]...)
	m.mu.Unlock()

	return res, nil
}

// SearchByType retrieves records of one type. Without a query it is a
// metadata-only scan that works with the embedding worker fully offline;
// with a query it is a filtered semantic search. Episodes are matched in
// their archived (completed) state, everything else while active.
func (m *Manager) SearchByType(ctx context.Context, t EntityType, query string, topK int) ([]Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	store := m.tierFor(t)
	status := StatusActive
	if t == TypeEpisode {
		status = StatusCompleted
	}

	if topK <= 0 {
		topK = 10
	}
	if query == "" {
		return store.GetByType(ctx, t, status, topK)
	}
	return store.Search(ctx, query, topK, Filter{Equals: map[string]string{
		"type":   string(t),
		"status": string(status),
	}})
}

// EpisodeDetail joins an archived episode with its logged messages and
// linked entities.
type EpisodeDetail struct {
	Episode  Record    `json:"episode"`
	Messages []Message `json:"messages"`
	Entities []Record  `json:"entities"`
}

// GetEpisodeDetail looks an episode up by id. It needs no encoder: the
// record comes from an exact lookup, messages from the append-only log
// and entities from id lookups in either tier.
func (m *Manager) GetEpisodeDetail(ctx context.Context, episodeID string) (*EpisodeDetail, error) {
	rec, err := m.project.Get(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("episode %s: %w", episodeID, err)
	}

	detail := &EpisodeDetail{Episode: *rec}
	msgs, err := m.readMessageLog()
	if err != nil {
		return nil, fmt.Errorf("episode %s messages: %w", episodeID, err)
	}
	for _, msg := range msgs {
		if msg.EpisodeID == episodeID {
			detail.Messages = append(detail.Messages, msg)
		}
	}

	for _, eid := range rec.Metadata.EntityIDs {
		ent, err := m.project.Get(ctx, eid)
		if errors.Is(err, ErrNotFound) {
			ent, err = m.user.Get(ctx, eid)
		}
		if err != nil {
			continue
		}
		detail.Entities = append(detail.Entities, *ent)
	}
	return detail, nil
}

// ListEpisodes returns archived episodes ordered by creation time,
// newest first unless asc is set. It is a metadata-only scan.
func (m *Manager) ListEpisodes(ctx context.Context, asc bool, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	// Fetch every archived episode; the store scan is oldest first and a
	// pre-truncated page would drop the newest ones from a descending list.
	episodes, err := m.project.GetByType(ctx, TypeEpisode, StatusCompleted, 0)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	sort.SliceStable(episodes, func(i, j int) bool {
		if asc {
			return episodes[i].Metadata.CreatedAt.Before(episodes[j].Metadata.CreatedAt)
		}
		return episodes[i].Metadata.CreatedAt.After(episodes[j].Metadata.CreatedAt)
	})
	if len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}

// ---- stats ----

// Stats is a point-in-time snapshot of both tiers and the live state.
type Stats struct {
	ProjectPath    string             `json:"project_path"`
	ProjectCount   int                `json:"project_count"`
	UserPath       string             `json:"user_path"`
	UserCount      int                `json:"user_count"`
	CurrentEpisode string             `json:"current_episode,omitempty"`
	CurrentMsgs    int                `json:"current_messages"`
	PendingTotal   int                `json:"pending_total"`
	PendingByType  map[EntityType]int `json:"pending_by_type"`
	AutoConfirm    float64            `json:"auto_confirm_threshold"`
	EncoderReady   bool               `json:"encoder_ready"`
	EncoderLoading bool               `json:"encoder_loading"`
}

// GetStats reports counts per tier, the pending queue broken down by type
// and the encoder state. Exact id and type queries keep working when
// EncoderReady is false.
func (m *Manager) GetStats() *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Stats{
		ProjectPath:    m.cfg.ProjectDir,
		ProjectCount:   m.project.Count(),
		UserPath:       m.cfg.UserDir,
		UserCount:      m.user.Count(),
		CurrentMsgs:    len(m.messages),
		PendingTotal:   len(m.pending),
		PendingByType:  make(map[EntityType]int),
		AutoConfirm:    m.cfg.AutoConfirmThreshold,
		EncoderReady:   m.encoder.Ready(),
		EncoderLoading: m.encoder.Loading(),
	}
	if m.episode != nil {
		s.CurrentEpisode = m.episode.Title
	}
	for _, c := range m.pending {
		s.PendingByType[c.Type]++
	}
	return s
}

// CurrentEpisode returns a copy of the active episode, or nil.
func (m *Manager) CurrentEpisode() *Episode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.episode == nil {
		return nil
	}
	ep := *m.episode
	return &ep
}

// ---- persisted state ----

type episodeState struct {
	Episode  *Episode  `json:"episode"`
	Messages []Message `json:"messages"`
}

// loadState recovers the active episode. Any read or parse failure fails
// open as "no active episode"; the message log keeps the durable copy.
func (m *Manager) loadState() {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[MEMORY] unreadable episode state, starting fresh: %v", err)
		}
		return
	}
	var st episodeState
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("[MEMORY] corrupt episode state, starting fresh: %v", err)
		return
	}
	m.episode = st.Episode
	m.messages = st.Messages
}

func (m *Manager) saveStateLocked() {
	st := episodeState{Episode: m.episode, Messages: m.messages}
	if err := writeJSONAtomic(m.stateFile, st); err != nil {
		log.Printf("[MEMORY] save episode state: %v", err)
	}
}

func (m *Manager) loadPending() {
	data, err := os.ReadFile(m.pendingFile)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &m.pending); err != nil {
		log.Printf("[MEMORY] corrupt pending queue, starting fresh: %v", err)
		m.pending = nil
	}
}

func (m *Manager) savePendingLocked() {
	if err := writeJSONAtomic(m.pendingFile, m.pending); err != nil {
		log.Printf("[MEMORY] save pending queue: %v", err)
	}
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
