// Package archive persists finished assistant utterances as WAV files,
// one file per utterance under <dir>/<session_id>/<audio_id>.wav. Writes
// happen on a single background worker so the live session's audio path
// never waits on disk.
package archive

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth  = 16
	channels  = 1
	formatPCM = 1
)

// queueSize bounds how many utterances may wait for the worker before
// new ones are dropped.
const queueSize = 64

type job struct {
	sessionID  string
	audioID    string
	sampleRate int
	audio      []byte
}

// Archiver writes utterance audio to disk. A nil archiver is valid and
// drops everything, so callers never branch on whether archiving is on.
type Archiver struct {
	dir    string
	logger *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// New starts the archive worker. An empty dir disables archiving and
// returns a nil archiver.
func New(dir string, logger *slog.Logger) (*Archiver, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archiver{
		dir:    dir,
		logger: logger,
		jobs:   make(chan job, queueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a, nil
}

// Archive enqueues one utterance. The audio slice is owned by the
// archiver from this point on. When the queue is full the utterance is
// dropped rather than stalling the session.
func (a *Archiver) Archive(sessionID, assistantAudioID string, sampleRate int, audio []byte) {
	if a == nil || len(audio) == 0 {
		return
	}
	j := job{sessionID: sessionID, audioID: assistantAudioID, sampleRate: sampleRate, audio: audio}
	select {
	case a.jobs <- j:
	default:
		a.logger.Warn("archive queue full, dropping utterance",
			slog.String("session_id", sessionID),
			slog.String("audio_id", assistantAudioID))
	}
}

// Close stops intake and blocks until queued utterances are on disk.
func (a *Archiver) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() { close(a.jobs) })
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for j := range a.jobs {
		if err := a.write(j); err != nil {
			a.logger.Warn("archive write failed",
				slog.String("session_id", j.sessionID),
				slog.String("audio_id", j.audioID),
				slog.String("error", err.Error()))
		}
	}
}

func (a *Archiver) write(j job) error {
	sessionDir := filepath.Join(a.dir, sanitize(j.sessionID))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	path := filepath.Join(sessionDir, sanitize(j.audioID)+".wav")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	enc := wav.NewEncoder(f, j.sampleRate, bitDepth, channels, formatPCM)
	if err := enc.Write(&goaudio.IntBuffer{
		Data: pcmToInts(j.audio),
		Format: &goaudio.Format{
			NumChannels: channels,
			SampleRate:  j.sampleRate,
		},
		SourceBitDepth: bitDepth,
	}); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}

// pcmToInts widens little-endian s16 bytes to the int samples the wav
// encoder wants. A trailing odd byte is ignored.
func pcmToInts(pcm []byte) []int {
	n := len(pcm) / 2
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// sanitize keeps ids from escaping the archive root.
func sanitize(id string) string {
	base := filepath.Base(filepath.Clean(id))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "unknown"
	}
	return base
}
