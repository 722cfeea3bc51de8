package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"
)

const (
	maxMessageRunes = 2000
	summaryTurns    = 5
	summaryTurnCap  = 100
)

var (
	fencedCodeRe = regexp.MustCompile("```\\w*\\n[\\s\\S]*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]+`")
)

// cleanMessageContent strips code from a conversation turn before it is
// cached: fenced blocks and inline code carry no recall value and bloat
// the log. Long turns are capped at maxMessageRunes.
func cleanMessageContent(content string) string {
	cleaned := fencedCodeRe.ReplaceAllString(content, "[code block omitted]")
	cleaned = inlineCodeRe.ReplaceAllString(cleaned, "[code]")
	if r := []rune(cleaned); len(r) > maxMessageRunes {
		cleaned = string(r[:maxMessageRunes]) + "...[truncated]"
	}
	return strings.TrimSpace(cleaned)
}

// CacheMessage logs one conversation turn. The append to the message log
// is the durable write and succeeds with the embedding worker fully
// unavailable. User-authored turns additionally run through extraction:
// candidates at or above the auto-confirm threshold become active records
// immediately, the rest join the pending queue.
func (m *Manager) CacheMessage(ctx context.Context, role, content string) (*Message, error) {
	if role != "user" && role != "assistant" {
		return nil, fmt.Errorf("unknown message role %q", role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg := Message{
		ID:        m.newMessageID(),
		Role:      role,
		Content:   cleanMessageContent(content),
		Timestamp: time.Now(),
	}
	if m.episode != nil {
		msg.EpisodeID = m.episode.ID
	}

	if err := m.appendMessageLog(msg); err != nil {
		return nil, fmt.Errorf("append message log: %w", err)
	}
	m.messages = append(m.messages, msg)

	// Only the user's own words carry decisions and preferences worth
	// extracting; assistant turns are suggestions, not facts.
	if role == "user" && m.extractor != nil {
		m.processCandidatesLocked(ctx, content)
	}

	m.saveStateLocked()
	return &msg, nil
}

func (m *Manager) processCandidatesLocked(ctx context.Context, content string) {
	queued := false
	for _, cand := range m.extractor.Detect(content) {
		if cand.Confidence >= m.cfg.AutoConfirmThreshold {
			reason := fmt.Sprintf("auto-confirmed (confidence %.2f)", cand.Confidence)
			if _, err := m.addEntityLocked(ctx, cand.Type, cand.ExtractedContent, reason, nil); err != nil {
				log.Printf("[MEMORY] auto-confirm %s candidate: %v", cand.Type, err)
			}
			continue
		}
		m.pending = append(m.pending, cand)
		queued = true
	}
	if queued {
		m.savePendingLocked()
	}
}

// StartEpisode opens a new active episode, closing any prior one first so
// at most one is ever active.
func (m *Manager) StartEpisode(ctx context.Context, title string, tags []string) (*Episode, error) {
	if title == "" {
		return nil, fmt.Errorf("episode title is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.episode != nil {
		if _, err := m.closeEpisodeLocked(ctx, ""); err != nil {
			return nil, fmt.Errorf("close previous episode: %w", err)
		}
	}

	m.episode = &Episode{
		ID:        newEpisodeID(),
		Title:     title,
		Tags:      tags,
		Status:    StatusActive,
		CreatedAt: time.Now(),
		EntityIDs: []string{},
	}
	m.messages = nil
	m.saveStateLocked()

	ep := *m.episode
	return &ep, nil
}

// CloseEpisode archives the active episode as a completed record in the
// project tier, under the given summary or a generated digest. With no
// active episode it returns nil.
func (m *Manager) CloseEpisode(ctx context.Context, summary string) (*Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeEpisodeLocked(ctx, summary)
}

func (m *Manager) closeEpisodeLocked(ctx context.Context, summary string) (*Episode, error) {
	if m.episode == nil {
		return nil, nil
	}
	if summary == "" {
		summary = m.generateSummaryLocked()
	}

	now := time.Now()
	md := Metadata{
		Type:         TypeEpisode,
		Status:       StatusCompleted,
		CreatedAt:    m.episode.CreatedAt,
		Title:        m.episode.Title,
		Tags:         m.episode.Tags,
		EntityIDs:    m.episode.EntityIDs,
		MessageCount: len(m.messages),
		ClosedAt:     &now,
	}
	if err := m.project.Add(ctx, m.episode.ID, summary, md); err != nil {
		return nil, fmt.Errorf("archive episode %s: %w", m.episode.ID, err)
	}

	closed := *m.episode
	closed.Status = StatusCompleted
	closed.ClosedAt = &now
	closed.Summary = summary

	m.episode = nil
	m.messages = nil
	m.saveStateLocked()
	return &closed, nil
}

// generateSummaryLocked digests the last few turns under the episode
// title. An episode with no messages falls back to the title alone.
func (m *Manager) generateSummaryLocked() string {
	if len(m.messages) == 0 {
		return m.episode.Title
	}
	start := len(m.messages) - summaryTurns
	if start < 0 {
		start = 0
	}
	parts := []string{m.episode.Title + ":"}
	for _, msg := range m.messages[start:] {
		content := msg.Content
		if r := []rune(content); len(r) > summaryTurnCap {
			content = string(r[:summaryTurnCap])
		}
		parts = append(parts, fmt.Sprintf("- %s: %s", msg.Role, content))
	}
	return strings.Join(parts, "\n")
}

// closeStaleLocked runs at construction: an episode idle past StaleAfter
// is archived when it accumulated messages and silently discarded when it
// never did.
func (m *Manager) closeStaleLocked(ctx context.Context) {
	if m.episode == nil {
		return
	}
	lastActivity := m.episode.CreatedAt
	if len(m.messages) > 0 {
		lastActivity = m.messages[len(m.messages)-1].Timestamp
	}
	idle := time.Since(lastActivity)
	if idle < m.cfg.StaleAfter {
		return
	}

	if len(m.messages) == 0 {
		log.Printf("[MEMORY] discarding stale empty episode %q (idle %s)", m.episode.Title, idle.Round(time.Minute))
		m.episode = nil
		m.saveStateLocked()
		return
	}

	log.Printf("[MEMORY] auto-closing stale episode %q (idle %s)", m.episode.Title, idle.Round(time.Minute))
	summary := fmt.Sprintf("[auto-closed] %s (archived after %d idle minutes)", m.episode.Title, int(idle.Minutes()))
	if _, err := m.closeEpisodeLocked(ctx, summary); err != nil {
		log.Printf("[MEMORY] auto-close failed: %v", err)
	}
}

// ---- message log ----

func (m *Manager) appendMessageLog(msg Message) error {
	f, err := os.OpenFile(m.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Manager) readMessageLog() ([]Message, error) {
	f, err := os.Open(m.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var msg Message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, sc.Err()
}

// CleanupOldMessages drops log entries older than the retention window
// and reports how many were removed and kept. Lines that fail to parse
// are kept rather than lost.
func (m *Manager) CleanupOldMessages(days int) (removed, kept int, err error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("open message log: %w", err)
	}

	var keptLines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Timestamp.After(cutoff) {
			keptLines = append(keptLines, line)
			continue
		}
		removed++
	}
	scanErr := sc.Err()
	f.Close()
	if scanErr != nil {
		return 0, 0, fmt.Errorf("scan message log: %w", scanErr)
	}

	out := ""
	if len(keptLines) > 0 {
		out = strings.Join(keptLines, "\n") + "\n"
	}
	tmp := m.logFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(out), 0o644); err != nil {
		return 0, 0, fmt.Errorf("rewrite message log: %w", err)
	}
	if err := os.Rename(tmp, m.logFile); err != nil {
		return 0, 0, fmt.Errorf("rewrite message log: %w", err)
	}
	return removed, len(keptLines), nil
}

// ClearMessageLog truncates the log entirely and reports how many lines
// were dropped.
func (m *Manager) ClearMessageLog() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, err := m.readMessageLog()
	if err != nil {
		return 0, fmt.Errorf("read message log: %w", err)
	}
	if err := os.WriteFile(m.logFile, nil, 0o644); err != nil {
		return 0, fmt.Errorf("truncate message log: %w", err)
	}
	return len(msgs), nil
}
