package bus

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *ContextBus {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "bus.json"), filepath.Join(dir, "bus.lock"))
}

func TestPublishGet(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Publish("intent", "task-1", `{"core_goal":"x"}`))

	assert.Equal(t, `{"core_goal":"x"}`, b.Get("intent", "task-1"))
	assert.Equal(t, "", b.Get("intent", "missing"))
}

func TestSnapshotFiltersExpired(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Publish("jerry", "status", "working"))

	ttl := 10.0
	require.NoError(t, b.PublishLayer("jerry", "scratch", "tmp", LayerSession, &ttl))

	snap := b.Snapshot()
	assert.Equal(t, "working", snap["jerry:status"])
	assert.Equal(t, "tmp", snap["jerry:scratch"])

	// fast-forward past the TTL
	base := b.now()
	b.now = func() float64 { return base + 11 }

	snap = b.Snapshot()
	assert.Contains(t, snap, "jerry:status")
	assert.NotContains(t, snap, "jerry:scratch")

	assert.Equal(t, 1, b.CleanupExpired())
}

func TestSnapshotForAgentLayerFilter(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.PublishLayer("leo", "goal", "permanent", LayerLong, nil))
	require.NoError(t, b.PublishLayer("leo", "step", "ephemeral", LayerTask, nil))

	snap := b.SnapshotForAgent("leo", LayerShort)
	assert.Contains(t, snap, "leo:step")
	assert.NotContains(t, snap, "leo:goal") // above max layer

	snap = b.SnapshotForAgent("leo", LayerLong)
	assert.Contains(t, snap, "leo:goal")
}

func TestClearTaskLayer(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.PublishLayer("leo", "step", "x", LayerTask, nil))
	require.NoError(t, b.Publish("leo", "keep", "y"))

	require.NoError(t, b.ClearTaskLayer())
	snap := b.Snapshot()
	assert.NotContains(t, snap, "leo:step")
	assert.Contains(t, snap, "leo:keep")
}

func TestMailboxSendReadNew(t *testing.T) {
	m := NewMailboxes(t.TempDir())

	require.NoError(t, m.Send("jerry", "leo", "task", "do it"))
	require.NoError(t, m.Send("jerry", "leo", "task", "and this"))

	msgs := m.ReadNew("jerry")
	require.Len(t, msgs, 2)
	assert.Equal(t, "leo", msgs[0].From)
	assert.Equal(t, "do it", msgs[0].Content)

	// cursor advanced: nothing new
	assert.Empty(t, m.ReadNew("jerry"))

	require.NoError(t, m.Send("jerry", "alic", "note", "late"))
	msgs = m.ReadNew("jerry")
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", msgs[0].Content)
}

func TestMailboxFIFOTrim(t *testing.T) {
	m := NewMailboxes(t.TempDir())

	for i := 0; i < MailboxCap+10; i++ {
		require.NoError(t, m.Send("jerry", "leo", "spam", "msg"))
	}

	all := m.Peek("jerry")
	assert.Len(t, all, MailboxCap)
}

func TestMailboxTrimRebasesOffset(t *testing.T) {
	m := NewMailboxes(t.TempDir())

	require.NoError(t, m.Send("jerry", "leo", "t", "first"))
	m.ReadNew("jerry") // offset = 1

	for i := 0; i < MailboxCap; i++ {
		require.NoError(t, m.Send("jerry", "leo", "t", "later"))
	}

	// first message was trimmed away; only unread messages come back
	msgs := m.ReadNew("jerry")
	assert.Len(t, msgs, MailboxCap)
}

func TestHeartbeatBeatAndReadAll(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat("jerry", dir)
	hb.Beat("working", "task-1", "building prompt")

	records := ReadAllHeartbeats(dir, OfflineThreshold, []string{"jerry", "leo"})
	require.Len(t, records, 2)

	var jerry, leo *HeartbeatRecord
	for i := range records {
		switch records[i].AgentID {
		case "jerry":
			jerry = &records[i]
		case "leo":
			leo = &records[i]
		}
	}
	require.NotNil(t, jerry)
	require.NotNil(t, leo)

	assert.True(t, jerry.Online)
	assert.Equal(t, "working", jerry.Status)
	assert.Equal(t, "task-1", jerry.TaskID)
	assert.Equal(t, 1, jerry.Beats)

	assert.False(t, leo.Online)
	assert.Equal(t, "offline", leo.Status)

	hb.Stop()
	records = ReadAllHeartbeats(dir, OfflineThreshold, nil)
	assert.Empty(t, records)
}

func TestHeartbeatOfflineAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat("jerry", dir)
	hb.Beat("idle", "", "")

	records := ReadAllHeartbeats(dir, 1*time.Nanosecond, nil)
	require.Len(t, records, 1)
	assert.False(t, records[0].Online)
}
