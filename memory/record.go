package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned by Store.Add for an id that already
	// exists. Ids are generated, never user-supplied, so a collision is a
	// caller bug rather than something to merge silently.
	ErrDuplicateID = errors.New("duplicate record id")
)

// EntityType classifies a memory record and fixes its storage tier.
type EntityType string

const (
	TypeDecision     EntityType = "Decision"
	TypePreference   EntityType = "Preference"
	TypeConcept      EntityType = "Concept"
	TypeHabit        EntityType = "Habit"
	TypeFile         EntityType = "File"
	TypeArchitecture EntityType = "Architecture"
	TypeEpisode      EntityType = "Episode"
)

// EntityTypes lists every known type.
var EntityTypes = []EntityType{
	TypeDecision, TypePreference, TypeConcept, TypeHabit,
	TypeFile, TypeArchitecture, TypeEpisode,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UserTier reports whether records of this type belong to the user-level
// store. Preferences, concepts and habits follow the person across
// projects; everything else is project-local.
func (t EntityType) UserTier() bool {
	switch t {
	case TypePreference, TypeConcept, TypeHabit:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a memory record. It changes only through
// explicit add/deprecate/close operations, never silently.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
	StatusCompleted  Status = "completed"
)

func (s Status) valid() bool {
	switch s {
	case StatusActive, StatusDeprecated, StatusCompleted:
		return true
	}
	return false
}

// Metadata is the tagged side-record stored next to each entity. Which
// optional fields apply depends on Type; Validate enforces the shape at the
// store boundary.
type Metadata struct {
	Type      EntityType `json:"type"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`

	// Entity fields.
	Reason       string     `json:"reason,omitempty"`
	RelatedIDs   []string   `json:"related_ids,omitempty"`
	EpisodeID    string     `json:"episode_id,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	DeprecatedAt *time.Time `json:"deprecated_at,omitempty"`

	// Episode fields, set only when Type == TypeEpisode.
	Title        string     `json:"title,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	EntityIDs    []string   `json:"entity_ids,omitempty"`
	MessageCount int        `json:"message_count,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Validate checks the tagged shape before it touches storage.
func (m *Metadata) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", m.Type)
	}
	if !m.Status.valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if m.Type == TypeEpisode {
		if m.Title == "" {
			return fmt.Errorf("episode records require a title")
		}
	} else if m.Title != "" || m.ClosedAt != nil || m.MessageCount != 0 {
		return fmt.Errorf("episode-only fields set on %s record", m.Type)
	}
	return nil
}

// IndexMap flattens the fields that participate in metadata filtering.
func (m *Metadata) IndexMap() map[string]string {
	return map[string]string{
		"type":       string(m.Type),
		"status":     string(m.Status),
		"episode_id": m.EpisodeID,
	}
}

// Filter restricts search results by exact-match and not-equal metadata
// comparisons, ANDed together.
type Filter struct {
	Equals    map[string]string
	NotEquals map[string]string
}

// Matches applies the filter against a record's metadata.
func (f Filter) Matches(m *Metadata) bool {
	idx := m.IndexMap()
	for k, v := range f.Equals {
		if idx[k] != v {
			return false
		}
	}
	for k, v := range f.NotEquals {
		if idx[k] == v {
			return false
		}
	}
	return true
}

// Record is a stored memory as returned from the store. Distance is set only
// on the vector search path; metadata scans and keyword fallback leave it
// nil.
type Record struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Distance *float32 `json:"distance,omitempty"`
}

// Message is one cached conversation turn. The message log is append-only;
// entries disappear only through explicit age-based cleanup or a full clear.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	EpisodeID string    `json:"episode_id,omitempty"`
}

// Episode is a bounded unit of work. At most one episode is active per
// project; closing archives it as a TypeEpisode record.
type Episode struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Tags      []string   `json:"tags"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	EntityIDs []string   `json:"entity_ids"`
	Summary   string     `json:"summary,omitempty"`
}

// Candidate is an unconfirmed extraction awaiting promotion or rejection.
type Candidate struct {
	ID               string     `json:"id"`
	Type             EntityType `json:"type"`
	ExtractedContent string     `json:"extracted_content"`
	SourceSnippet    string     `json:"source_snippet"`
	Confidence       float64    `json:"confidence"`
	Status           string     `json:"status"`
	DetectedAt       time.Time  `json:"detected_at"`
	DetectionMethod  string     `json:"detection_method"`
}

// Detection methods carried on candidates.
const (
	DetectionPattern = "pattern"
	DetectionKeyword = "keyword"
)

// CandidateStatusPending is the only persisted candidate status; confirmed
// candidates become records and rejected ones are deleted.
const CandidateStatusPending = "pending"

// Store is the vector storage backend for one tier.
// Implementation: store.Store (chromem-go with a JSON side-record file).
type Store interface {
	// Add stores a new record, computing its embedding best-effort: with
	// the encoder unavailable the record still persists and remains
	// reachable through keyword search and metadata scans.
	// Returns ErrDuplicateID for an existing id.
	Add(ctx context.Context, id, content string, md Metadata) error

	// Update rewrites metadata and, only when content is non-nil,
	// recomputes the embedding.
	Update(ctx context.Context, id string, content *string, md *Metadata) error

	// Delete removes a record permanently.
	Delete(ctx context.Context, id string) error

	// Get is an exact id lookup; it never needs the encoder.
	Get(ctx context.Context, id string) (*Record, error)

	// Search embeds the query and runs nearest-neighbor search under the
	// filter, falling back to keyword scoring when the encoder is
	// unavailable or the index disagrees with the side records.
	Search(ctx context.Context, query string, topK int, filter Filter) ([]Record, error)

	// GetByType is a metadata-only scan, oldest first; a limit of zero or
	// less returns all matches. It works with the embedding worker fully
	// offline.
	GetByType(ctx context.Context, t EntityType, status Status, limit int) ([]Record, error)

	// Count returns the number of stored records.
	Count() int
}

// Encoder converts text to embedding vectors.
// Implementation: encoder.Supervisor.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Ready() bool
	Loading() bool
}

// BatchEncoder is implemented by encoders that can embed several texts in a
// single worker exchange. Store reindexing prefers it over per-text calls.
type BatchEncoder interface {
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor detects entity candidates in raw text.
// Implementation: extract.Detector.
type Extractor interface {
	Detect(text string) []Candidate
}
