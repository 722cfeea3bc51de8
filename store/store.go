// Package store persists memory records in an embedded vector index
// (chromem-go) with a JSON metadata side-record file per collection.
//
// The side-record file is the source of truth for content and metadata; the
// chromem index only serves similarity search. When the two disagree, or the
// embedding worker is unavailable, search transparently degrades to keyword
// scoring over the side records; an integrity problem is never surfaced to
// the caller as an error.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemohq/mnemo/memory"
)

// Store is one named collection of memory records. It implements
// memory.Store.
type Store struct {
	name    string
	dir     string
	encoder memory.Encoder
	db      *chromem.DB

	// mu also guards col, which Reindex swaps for a fresh collection.
	mu      sync.RWMutex
	col     *chromem.Collection
	records map[string]*sideRecord
}

func (s *Store) collection() *chromem.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col
}

type sideRecord struct {
	Content  string          `json:"content"`
	Metadata memory.Metadata `json:"metadata"`
}

const recordsFile = "records.json"

// Open creates or reopens a collection rooted at dir.
func Open(dir, collection string, enc memory.Encoder) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(filepath.Join(dir, "index"), false)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	// Embeddings are always supplied explicitly, so no embedding func is
	// wired into the collection.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}

	s := &Store{
		name:    collection,
		dir:     dir,
		encoder: enc,
		db:      db,
		col:     col,
		records: make(map[string]*sideRecord),
	}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadRecords() error {
	data, err := os.ReadFile(filepath.Join(s.dir, recordsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read side records: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("parse side records: %w", err)
	}
	return nil
}

// persistLocked rewrites the side-record file atomically. Caller holds s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal side records: %w", err)
	}
	path := filepath.Join(s.dir, recordsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write side records: %w", err)
	}
	return os.Rename(tmp, path)
}

// Add stores a new record. The embedding is computed best-effort: if the
// encoder is unavailable the side record still persists (reachable via
// keyword search and metadata scans) and only the index insert is skipped.
func (s *Store) Add(ctx context.Context, id, content string, md memory.Metadata) error {
	if err := md.Validate(); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}

	s.mu.RLock()
	_, exists := s.records[id]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", memory.ErrDuplicateID, id)
	}

	embedding, err := s.encoder.Encode(ctx, content)
	if err != nil {
		log.Printf("[STORE] %s: embedding skipped for %s: %v", s.name, id, err)
		embedding = nil
	}

	s.mu.Lock()
	if _, exists := s.records[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", memory.ErrDuplicateID, id)
	}
	s.records[id] = &sideRecord{Content: content, Metadata: md}
	persistErr := s.persistLocked()
	s.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	if embedding != nil {
		doc := chromem.Document{
			ID:        id,
			Content:   content,
			Embedding: embedding,
			Metadata:  md.IndexMap(),
		}
		if err := s.collection().AddDocument(ctx, doc); err != nil {
			log.Printf("[STORE] %s: index insert failed for %s: %v", s.name, id, err)
		}
	}
	return nil
}

// Update rewrites a record. The embedding is recomputed only when content is
// supplied; a metadata-only update reuses the indexed vector.
func (s *Store) Update(ctx context.Context, id string, content *string, md *memory.Metadata) error {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}

	newContent := rec.Content
	if content != nil {
		newContent = *content
	}
	newMeta := rec.Metadata
	if md != nil {
		newMeta = *md
	}
	if err := newMeta.Validate(); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}

	var embedding []float32
	if content != nil {
		var err error
		embedding, err = s.encoder.Encode(ctx, newContent)
		if err != nil {
			log.Printf("[STORE] %s: re-embedding skipped for %s: %v", s.name, id, err)
		}
	} else if doc, err := s.collection().GetByID(ctx, id); err == nil {
		embedding = doc.Embedding
	}

	s.mu.Lock()
	s.records[id] = &sideRecord{Content: newContent, Metadata: newMeta}
	persistErr := s.persistLocked()
	s.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	col := s.collection()
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		log.Printf("[STORE] %s: index delete failed for %s: %v", s.name, id, err)
	}
	if embedding != nil {
		doc := chromem.Document{
			ID:        id,
			Content:   newContent,
			Embedding: embedding,
			Metadata:  newMeta.IndexMap(),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			log.Printf("[STORE] %s: index insert failed for %s: %v", s.name, id, err)
		}
	}
	return nil
}

// Delete removes a record permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	delete(s.records, id)
	persistErr := s.persistLocked()
	s.mu.Unlock()

	if err := s.collection().Delete(ctx, nil, nil, id); err != nil {
		log.Printf("[STORE] %s: index delete failed for %s: %v", s.name, id, err)
	}
	return persistErr
}

// Get is an exact id lookup from the side records; no embedding involved.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	return &memory.Record{ID: id, Content: rec.Content, Metadata: rec.Metadata}, nil
}

// Search embeds the query and returns the nearest records passing the
// filter. When the encoder is unavailable, or the index and the side records
// disagree, it degrades to keyword scoring instead of failing.
func (s *Store) Search(ctx context.Context, query string, topK int, filter memory.Filter) ([]memory.Record, error) {
	if topK <= 0 {
		topK = 5
	}

	col := s.collection()
	indexed := col.Count()
	if indexed == 0 {
		if s.Count() == 0 {
			return nil, nil
		}
		return s.keywordSearch(query, topK, filter), nil
	}

	embedding, err := s.encoder.Encode(ctx, query)
	if err != nil {
		log.Printf("[STORE] %s: encoder unavailable, keyword fallback: %v", s.name, err)
		return s.keywordSearch(query, topK, filter), nil
	}

	// Query the whole collection: the filter is applied against the side
	// records, so the cutoff must happen after filtering.
	results, err := col.QueryEmbedding(ctx, embedding, indexed, nil, nil)
	if err != nil {
		log.Printf("[STORE] %s: index query failed, keyword fallback: %v", s.name, err)
		return s.keywordSearch(query, topK, filter), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Record, 0, topK)
	for _, res := range results {
		rec, ok := s.records[res.ID]
		if !ok {
			// Index and side records are out of sync.
			log.Printf("[STORE] %s: index id %s missing from side records, keyword fallback", s.name, res.ID)
			return s.keywordSearchLocked(query, topK, filter), nil
		}
		if !filter.Matches(&rec.Metadata) {
			continue
		}
		distance := 1 - res.Similarity
		out = append(out, memory.Record{
			ID:       res.ID,
			Content:  rec.Content,
			Metadata: rec.Metadata,
			Distance: &distance,
		})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Reindex rebuilds the vector index from the side records. The old
// collection is dropped, so index entries with no side record disappear and
// search can leave keyword degradation after a desync. Returns the number of
// records indexed.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	texts := make([]string, 0, len(s.records))
	metas := make([]memory.Metadata, 0, len(s.records))
	for id, rec := range s.records {
		ids = append(ids, id)
		texts = append(texts, rec.Content)
		metas = append(metas, rec.Metadata)
	}

	// Embed everything before touching the index: an unavailable encoder
	// must leave the store exactly as it was.
	vectors, err := s.embedAll(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("reindex %s: %w", s.name, err)
	}

	if err := s.db.DeleteCollection(s.name); err != nil {
		return 0, fmt.Errorf("reindex %s: drop collection: %w", s.name, err)
	}
	col, err := s.db.GetOrCreateCollection(s.name, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("reindex %s: recreate collection: %w", s.name, err)
	}
	s.col = col

	for i, id := range ids {
		doc := chromem.Document{
			ID:        id,
			Content:   texts[i],
			Embedding: vectors[i],
			Metadata:  metas[i].IndexMap(),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return i, fmt.Errorf("reindex %s: insert %s: %w", s.name, id, err)
		}
	}
	log.Printf("[STORE] %s: reindexed %d records", s.name, len(ids))
	return len(ids), nil
}

// embedAll converts all texts in one worker exchange when the encoder
// supports batching, otherwise one call per text.
func (s *Store) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if be, ok := s.encoder.(memory.BatchEncoder); ok {
		vecs, err := be.EncodeBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("batch encode returned %d vectors for %d texts", len(vecs), len(texts))
		}
		return vecs, nil
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := s.encoder.Encode(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// GetByType is a metadata-only scan over the side records, usable with the
// embedding worker fully offline. Results are oldest first; a limit of zero
// or less returns all matches.
func (s *Store) GetByType(ctx context.Context, t memory.EntityType, status memory.Status, limit int) ([]memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []memory.Record
	for id, rec := range s.records {
		if rec.Metadata.Type != t || rec.Metadata.Status != status {
			continue
		}
		out = append(out, memory.Record{ID: id, Content: rec.Content, Metadata: rec.Metadata})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
