package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/pkg/core/pcm"
	voxbridge "github.com/voxbridge/voxbridge/sdk"
)

const (
	playbackTick        = 20 * time.Millisecond
	defaultMarkInterval = 200 * time.Millisecond
)

// audioSink receives paced PCM slices and can drop whatever it still holds.
// speakerWriter implements it; tests substitute a fake.
type audioSink interface {
	Write(data []byte)
	Flush()
}

// playbackManager owns the ordered assistant audio path: one active
// utterance at a time, arriving audio appended to a pending buffer, and a
// ticker draining realtime-paced slices to the speaker. It reports playback
// marks so the gateway can truncate history at the word actually heard.
type playbackManager struct {
	format       pcm.Format
	tick         time.Duration
	markInterval time.Duration
	sink         audioSink

	mu               sync.Mutex
	activeID         string
	pending          []byte
	playedBytes      int64
	sentBytes        int64
	reportedPlayedMS int64
	endReceived      bool
	finishedSent     bool
	lastMarkAt       time.Time
	sendMark         func(voxbridge.LivePlaybackMark)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newPlaybackManager(sink audioSink, markInterval time.Duration) *playbackManager {
	if markInterval <= 0 {
		markInterval = defaultMarkInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &playbackManager{
		format:       pcm.PlaybackFormat(),
		tick:         playbackTick,
		markInterval: markInterval,
		sink:         sink,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *playbackManager) SetMarkSender(fn func(voxbridge.LivePlaybackMark)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendMark = fn
}

func (m *playbackManager) Close() {
	m.cancel()
	<-m.done
}

// Start begins a new assistant utterance. Bytes still pending carry over to
// the new utterance's accounting.
func (m *playbackManager) Start(assistantID string) {
	assistantID = strings.TrimSpace(assistantID)
	if assistantID == "" {
		return
	}

	m.mu.Lock()
	m.activeID = assistantID
	m.playedBytes = 0
	m.sentBytes = int64(len(m.pending))
	m.reportedPlayedMS = 0
	m.endReceived = false
	m.finishedSent = false
	m.lastMarkAt = time.Time{}
	m.mu.Unlock()
}

// Feed appends assistant PCM for the paced drain. Audio arriving before the
// start frame is decoded still plays; it just is not attributed to marks.
func (m *playbackManager) Feed(pcmData []byte) {
	if len(pcmData) == 0 {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, pcmData...)
	m.sentBytes += int64(len(pcmData))
	m.mu.Unlock()
}

// End marks the utterance as fully received. A finished mark goes out once
// the pending buffer drains.
func (m *playbackManager) End(assistantID string) {
	assistantID = strings.TrimSpace(assistantID)
	if assistantID == "" {
		return
	}

	var mark *voxbridge.LivePlaybackMark

	m.mu.Lock()
	if m.activeID == assistantID {
		m.endReceived = true
		if len(m.pending) == 0 && !m.finishedSent {
			m.finishedSent = true
			mark = m.buildMarkLocked("finished")
			m.activeID = ""
		}
	}
	m.mu.Unlock()

	m.emitMark(mark)
}

// Reset drops pending audio and the speaker's buffered tail, reporting a
// stopped mark for the interrupted utterance.
func (m *playbackManager) Reset() {
	var mark *voxbridge.LivePlaybackMark

	m.mu.Lock()
	if m.activeID != "" {
		mark = m.buildMarkLocked("stopped")
	}
	m.activeID = ""
	m.pending = nil
	m.playedBytes = 0
	m.sentBytes = 0
	m.endReceived = false
	m.finishedSent = false
	m.mu.Unlock()

	m.emitMark(mark)
	m.sink.Flush()
}

// Speaking reports whether assistant audio is active or still draining.
func (m *playbackManager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID != "" || len(m.pending) > 0
}

func (m *playbackManager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.onTick()
		}
	}
}

func (m *playbackManager) onTick() {
	bytesPerTick := int64(m.format.BytesPerSecond()) * int64(m.tick) / int64(time.Second)
	if bytesPerTick <= 0 {
		bytesPerTick = 1
	}

	var (
		toPlay     []byte
		markToSend *voxbridge.LivePlaybackMark
	)

	m.mu.Lock()
	if len(m.pending) > 0 {
		n := bytesPerTick
		if n > int64(len(m.pending)) {
			n = int64(len(m.pending))
		}
		toPlay = make([]byte, n)
		copy(toPlay, m.pending[:n])
		m.pending = m.pending[n:]
		m.playedBytes += n
	}

	now := time.Now()
	if m.activeID != "" && (m.lastMarkAt.IsZero() || now.Sub(m.lastMarkAt) >= m.markInterval) {
		m.lastMarkAt = now
		markToSend = m.buildMarkLocked("playing")
	}

	if m.activeID != "" && m.endReceived && len(m.pending) == 0 && !m.finishedSent {
		m.finishedSent = true
		markToSend = m.buildMarkLocked("finished")
		m.activeID = ""
	}
	m.mu.Unlock()

	if len(toPlay) > 0 {
		m.sink.Write(toPlay)
	}
	m.emitMark(markToSend)
}

// buildMarkLocked derives played_ms from the paced drain: monotonic, never
// ahead of the audio received so far.
func (m *playbackManager) buildMarkLocked(state string) *voxbridge.LivePlaybackMark {
	if m.activeID == "" {
		return nil
	}

	playedMS := msForBytes(m.format, m.playedBytes)
	sentMS := msForBytes(m.format, m.sentBytes)
	if playedMS > sentMS {
		playedMS = sentMS
	}
	if playedMS < m.reportedPlayedMS {
		playedMS = m.reportedPlayedMS
	}
	m.reportedPlayedMS = playedMS

	return &voxbridge.LivePlaybackMark{
		AssistantAudioID: m.activeID,
		PlayedMS:         playedMS,
		BufferedMS:       msForBytes(m.format, int64(len(m.pending))),
		State:            state,
	}
}

func (m *playbackManager) emitMark(mark *voxbridge.LivePlaybackMark) {
	if mark == nil {
		return
	}
	m.mu.Lock()
	send := m.sendMark
	m.mu.Unlock()
	if send != nil {
		send(*mark)
	}
}

func msForBytes(format pcm.Format, bytes int64) int64 {
	bytesPerSecond := int64(format.BytesPerSecond())
	if bytesPerSecond <= 0 || bytes <= 0 {
		return 0
	}
	return (bytes * 1000) / bytesPerSecond
}
