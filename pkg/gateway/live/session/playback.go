package session

import (
	"strings"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/gateway/live/protocol"
)

// speechSegment tracks one assistant utterance from the gateway's side:
// how much audio was sent downstream, and how much of it the client reports
// as actually played. The gap between the two is what an interruption cuts.
type speechSegment struct {
	id string

	mu         sync.Mutex
	sentSample int64
	lastMark   protocol.ClientPlaybackMark
	hasMark    bool
}

func newSpeechSegment(id string) *speechSegment {
	return &speechSegment{id: strings.TrimSpace(id)}
}

func (s *speechSegment) addAudio(chunk []byte) {
	if s == nil || len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	s.sentSample += int64(len(chunk) / 2)
	s.mu.Unlock()
}

func (s *speechSegment) updateMark(mark protocol.ClientPlaybackMark) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.lastMark = mark
	s.hasMark = true
	s.mu.Unlock()
}

func (s *speechSegment) sentMS(sampleRate int) int64 {
	if s == nil {
		return 0
	}
	if sampleRate <= 0 {
		sampleRate = protocol.SpeakSampleRateHz
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (s.sentSample * 1000) / int64(sampleRate)
}

// playedMS returns the client-confirmed playback position, clamped to the
// amount of audio actually sent.
func (s *speechSegment) playedMS(sampleRate int) int64 {
	if s == nil {
		return 0
	}
	if sampleRate <= 0 {
		sampleRate = protocol.SpeakSampleRateHz
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sentMS := (s.sentSample * 1000) / int64(sampleRate)
	if !s.hasMark {
		return 0
	}
	played := s.lastMark.PlayedMS
	if played < 0 {
		played = 0
	}
	if played > sentMS {
		played = sentMS
	}
	return played
}

func (s *speechSegment) unplayedMS(sampleRate int) int64 {
	if s == nil {
		return 0
	}
	return s.sentMS(sampleRate) - s.playedMS(sampleRate)
}

// shouldFinalizeFromMark reports whether the client confirmed playback of
// this segment is over, either drained or stopped by an interruption.
func (s *speechSegment) shouldFinalizeFromMark() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMark {
		return false
	}
	state := strings.ToLower(strings.TrimSpace(s.lastMark.State))
	return state == "stopped" || state == "finished"
}

// playedFully reports whether the client confirmed it played everything sent.
func (s *speechSegment) playedFully(sampleRate int) bool {
	if s == nil {
		return false
	}
	if sampleRate <= 0 {
		sampleRate = protocol.SpeakSampleRateHz
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMark {
		return false
	}
	sentMS := (s.sentSample * 1000) / int64(sampleRate)
	state := strings.ToLower(strings.TrimSpace(s.lastMark.State))
	return state == "finished" || s.lastMark.PlayedMS >= sentMS
}
