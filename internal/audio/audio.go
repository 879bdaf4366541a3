// Package audio implements the Audio Transmission Monitor: per-session frame
// counters and an inter-packet-gap tracker over the received stream, feeding
// the packet-loss ratio included in the final session audit record.
package audio

import (
	"sync"
	"time"
)

const (
	gapRecordThreshold  = 500 * time.Millisecond
	gapWarningThreshold = 2 * time.Second
)

// Health is the summary returned for the final session audit record.
type Health struct {
	PacketLossRatio float64 `json:"packet_loss_rate"`
	IsHealthy       bool    `json:"is_healthy"`
	LargestGapMs    int64   `json:"largest_gap_ms"`
	GapCount        int     `json:"gap_count"`
	FramesSent      int64   `json:"frames_sent"`
	FramesReceived  int64   `json:"frames_received"`
}

// Monitor tracks one session's audio stream.
type Monitor struct {
	mu sync.Mutex

	framesSent     int64
	framesReceived int64

	lastReceivedAt time.Time
	largestGap     time.Duration
	gapCount       int

	onWarning func(gap time.Duration)
}

// New returns a Monitor. onWarning, if non-nil, is invoked synchronously
// whenever a received frame arrives more than 2s after the previous one —
// callers use this to push a one-off diagnostic to the sink.
func New(onWarning func(gap time.Duration)) *Monitor {
	return &Monitor{onWarning: onWarning}
}

// RecordSent increments the sent-frame counter.
func (m *Monitor) RecordSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesSent++
}

// RecordReceived increments the received-frame counter and updates the
// inter-packet-gap tracker relative to the previous received frame.
func (m *Monitor) RecordReceived() {
	now := time.Now()

	m.mu.Lock()
	var gap time.Duration
	if !m.lastReceivedAt.IsZero() {
		gap = now.Sub(m.lastReceivedAt)
	}
	m.lastReceivedAt = now
	m.framesReceived++

	recordable := gap > gapRecordThreshold
	if recordable {
		m.gapCount++
		if gap > m.largestGap {
			m.largestGap = gap
		}
	}
	warn := gap > gapWarningThreshold
	m.mu.Unlock()

	if warn && m.onWarning != nil {
		m.onWarning(gap)
	}
}

// Health returns the current snapshot.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent := m.framesSent
	if sent == 0 {
		sent = 1
	}
	loss := 1 - float64(m.framesReceived)/float64(sent)
	if loss < 0 {
		loss = 0
	}
	return Health{
		PacketLossRatio: loss,
		IsHealthy:       loss < 0.05,
		LargestGapMs:    m.largestGap.Milliseconds(),
		GapCount:        m.gapCount,
		FramesSent:      m.framesSent,
		FramesReceived:  m.framesReceived,
	}
}
