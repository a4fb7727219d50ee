// Package bus provides the shared coordination state between agent
// processes: a file-locked KV store with layered TTLs, per-agent mailboxes,
// and heartbeat files. Every agent reads the bus at the start of each task;
// the snapshot is injected into its system prompt.
package bus

import (
	"time"

	"github.com/cleoai/cleo/lockfile"
)

const (
	DefaultBusFile = ".context_bus.json"
	DefaultBusLock = ".context_bus.lock"
)

// Context layers. Lower layers are more ephemeral.
const (
	LayerTask    = 0 // cleared when the current task completes
	LayerSession = 1 // TTL 1 hour
	LayerShort   = 2 // TTL 1 day, default
	LayerLong    = 3 // permanent
)

var defaultTTL = map[int]float64{
	LayerSession: 3600,
	LayerShort:   86400,
}

// Entry is one stored value with its layer and expiry metadata.
type Entry struct {
	V     string   `json:"v"`
	Layer int      `json:"layer"`
	TTL   *float64 `json:"ttl,omitempty"`
	TS    float64  `json:"ts"`
}

// ContextBus is the file-locked KV store shared by all agent processes.
// Keys are namespaced "<agent_id>:<key>" (the orchestrator uses the
// "intent" namespace for intent anchors).
type ContextBus struct {
	file *lockfile.LockedFile[map[string]Entry]

	now func() float64
}

// New creates a bus handle over the given document and lock paths.
func New(path, lockPath string) *ContextBus {
	return &ContextBus{
		file: lockfile.NewLockedFile[map[string]Entry](path, lockPath),
		now:  func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
}

// Open creates a bus handle with the default file names.
func Open() *ContextBus {
	return New(DefaultBusFile, DefaultBusLock)
}

// Publish writes a value under "<agentID>:<key>" at the default layer.
func (b *ContextBus) Publish(agentID, key, value string) error {
	return b.PublishLayer(agentID, key, value, LayerShort, nil)
}

// PublishLayer writes a value with an explicit layer and optional TTL
// override (seconds). A nil TTL uses the layer default.
func (b *ContextBus) PublishLayer(agentID, key, value string, layer int, ttl *float64) error {
	if ttl == nil {
		if def, ok := defaultTTL[layer]; ok {
			ttl = &def
		}
	}
	nsKey := agentID + ":" + key
	return b.file.Modify(func(data *map[string]Entry) error {
		if *data == nil {
			*data = make(map[string]Entry)
		}
		(*data)[nsKey] = Entry{V: value, Layer: layer, TTL: ttl, TS: b.now()}
		return nil
	})
}

// Get reads a value. Returns "" if absent or expired.
func (b *ContextBus) Get(agentID, key string) string {
	data := b.file.Read()
	entry, ok := data[agentID+":"+key]
	if !ok || b.expired(entry) {
		return ""
	}
	return entry.V
}

// Snapshot returns every live entry unwrapped to plain values.
func (b *ContextBus) Snapshot() map[string]string {
	data := b.file.Read()
	out := make(map[string]string, len(data))
	for k, entry := range data {
		if b.expired(entry) {
			continue
		}
		out[k] = entry.V
	}
	return out
}

// SnapshotForAgent returns the context visible to one agent, filtered by
// layer and TTL. Entries above maxLayer are excluded.
func (b *ContextBus) SnapshotForAgent(agentID string, maxLayer int) map[string]string {
	data := b.file.Read()
	out := make(map[string]string)
	for k, entry := range data {
		if b.expired(entry) || entry.Layer > maxLayer {
			continue
		}
		out[k] = entry.V
	}
	return out
}

// ClearTaskLayer removes all L0 entries. Called when a task completes.
func (b *ContextBus) ClearTaskLayer() error {
	return b.file.Modify(func(data *map[string]Entry) error {
		for k, entry := range *data {
			if entry.Layer == LayerTask {
				delete(*data, k)
			}
		}
		return nil
	})
}

// CleanupExpired removes all expired entries and returns the count removed.
func (b *ContextBus) CleanupExpired() int {
	removed := 0
	_ = b.file.Modify(func(data *map[string]Entry) error {
		for k, entry := range *data {
			if b.expired(entry) {
				delete(*data, k)
				removed++
			}
		}
		return nil
	})
	return removed
}

func (b *ContextBus) expired(entry Entry) bool {
	if entry.TTL == nil {
		return false
	}
	return b.now()-entry.TS > *entry.TTL
}
