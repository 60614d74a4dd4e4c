package networking

import "sync"

// DropReason explains why a frame never reached a connection.
type DropReason string

const (
	DropSuperseded DropReason = "superseded"
	DropBandwidth  DropReason = "bandwidth"
	DropClosed     DropReason = "closed"
)

// SnapshotMetrics tracks outbound payload sizes and drop counters for broadcasts.
type SnapshotMetrics struct {
	mu        sync.RWMutex
	bytes     map[string]int64
	published map[MessageType]int64
	drops     map[DropReason]int64
}

// NewSnapshotMetrics constructs an empty metrics tracker.
func NewSnapshotMetrics() *SnapshotMetrics {
	return &SnapshotMetrics{
		bytes:     make(map[string]int64),
		published: make(map[MessageType]int64),
		drops:     make(map[DropReason]int64),
	}
}

// ObservePublished records a frame accepted by a connection's outbox.
func (m *SnapshotMetrics) ObservePublished(clientID string, frame Frame) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if clientID != "" && frame.Kind == FrameSnapshot {
		m.bytes[clientID] = int64(len(frame.Payload))
	}
	m.published[frame.Type]++
	m.mu.Unlock()
}

// ObserveDrop increments the counter for reason.
func (m *SnapshotMetrics) ObserveDrop(reason DropReason) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ForgetClient removes the tracked gauges for a disconnected client.
func (m *SnapshotMetrics) ForgetClient(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, clientID)
	m.mu.Unlock()
}

// BytesPerClient returns a copy of the latest snapshot size per client.
func (m *SnapshotMetrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneCounts(m.bytes)
}

// PublishedCounts returns the number of frames queued per message type.
func (m *SnapshotMetrics) PublishedCounts() map[MessageType]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneCounts(m.published)
}

// DropCounts returns the cumulative number of dropped frames per reason.
func (m *SnapshotMetrics) DropCounts() map[DropReason]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneCounts(m.drops)
}

func cloneCounts[K comparable](in map[K]int64) map[K]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[K]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
