package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cleoai/cleo/lockfile"
)

const (
	DefaultMailboxDir = ".mailboxes"

	// MailboxCap is the FIFO trim bound per mailbox file.
	MailboxCap = 50
)

// Message is one mailbox entry. Mailboxes are append-only; messages are
// never mutated retroactively.
type Message struct {
	From    string  `json:"from"`
	Type    string  `json:"type"`
	Content string  `json:"content"`
	TS      float64 `json:"ts"`
}

// Mailboxes manages the per-agent JSONL inboxes. Each consumer owns its own
// offset cursor; producers only append (with FIFO trimming at the cap).
type Mailboxes struct {
	dir  string
	lock *lockfile.Lock

	now func() float64
}

// NewMailboxes creates a mailbox manager rooted at dir.
func NewMailboxes(dir string) *Mailboxes {
	if dir == "" {
		dir = DefaultMailboxDir
	}
	return &Mailboxes{
		dir:  dir,
		lock: lockfile.New(filepath.Join(dir, ".mailboxes.lock")),
		now:  func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
}

func (m *Mailboxes) path(agentID string) string {
	return filepath.Join(m.dir, agentID+".jsonl")
}

func (m *Mailboxes) offsetPath(agentID string) string {
	return filepath.Join(m.dir, agentID+".offset")
}

// Send appends a message to the recipient's inbox, trimming the file to
// the FIFO cap. The consumer's offset is rebased when lines are dropped.
func (m *Mailboxes) Send(to, from, msgType, content string) error {
	msg := Message{From: from, Type: msgType, Content: content, TS: m.now()}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	release := m.lock.Acquire()
	defer release()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create mailbox dir: %w", err)
	}

	lines := m.readLines(to)
	lines = append(lines, string(raw))

	dropped := 0
	if len(lines) > MailboxCap {
		dropped = len(lines) - MailboxCap
		lines = lines[dropped:]
	}

	if err := os.WriteFile(m.path(to), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write mailbox: %w", err)
	}
	if dropped > 0 {
		m.rebaseOffset(to, dropped)
	}
	return nil
}

// ReadNew returns the messages appended since the agent's last read and
// advances its offset cursor.
func (m *Mailboxes) ReadNew(agentID string) []Message {
	release := m.lock.Acquire()
	defer release()

	lines := m.readLines(agentID)
	offset := m.readOffset(agentID)
	if offset > len(lines) {
		offset = 0 // file was replaced underneath us
	}

	var out []Message
	for _, line := range lines[offset:] {
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Warn("skipping malformed mailbox line", "agent", agentID, "error", err)
			continue
		}
		out = append(out, msg)
	}

	m.writeOffset(agentID, len(lines))
	return out
}

// Peek returns every message currently in the inbox without moving the
// cursor.
func (m *Mailboxes) Peek(agentID string) []Message {
	release := m.lock.Acquire()
	defer release()

	var out []Message
	for _, line := range m.readLines(agentID) {
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (m *Mailboxes) readLines(agentID string) []string {
	file, err := os.Open(m.path(agentID))
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (m *Mailboxes) readOffset(agentID string) int {
	raw, err := os.ReadFile(m.offsetPath(agentID))
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func (m *Mailboxes) writeOffset(agentID string, offset int) {
	if err := os.WriteFile(m.offsetPath(agentID), []byte(strconv.Itoa(offset)), 0o644); err != nil {
		slog.Warn("failed to persist mailbox offset", "agent", agentID, "error", err)
	}
}

func (m *Mailboxes) rebaseOffset(agentID string, dropped int) {
	offset := m.readOffset(agentID) - dropped
	if offset < 0 {
		offset = 0
	}
	m.writeOffset(agentID, offset)
}
