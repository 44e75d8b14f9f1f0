package archive

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNew_EmptyDirDisables(t *testing.T) {
	a, err := New("", testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil archiver for empty dir")
	}
	a.Archive("sess_x", "audio_x", 24000, []byte{1, 2})
	a.Close()
}

func TestArchive_WritesDecodableWAV(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	samples := []int16{0, 1000, -1000, 32767, -32768}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}

	a.Archive("sess_abc", "audio_1", 24000, pcm)
	a.Close()

	path := filepath.Join(dir, "sess_abc", "audio_1.wav")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archived file: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if dec.SampleRate != 24000 {
		t.Fatalf("sample rate = %d, want 24000", dec.SampleRate)
	}
	if dec.NumChans != 1 {
		t.Fatalf("channels = %d, want 1", dec.NumChans)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), len(samples))
	}
	for i, want := range samples {
		if buf.Data[i] != int(want) {
			t.Fatalf("sample %d = %d, want %d", i, buf.Data[i], want)
		}
	}
}

func TestArchive_DropsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Many more jobs than the queue holds; the point is that Archive
	// never blocks, not how many survive.
	pcm := make([]byte, 2)
	for i := 0; i < queueSize*4; i++ {
		a.Archive("sess_flood", "audio", 24000, pcm)
	}
	a.Close()
}

func TestSanitize_StripsPathComponents(t *testing.T) {
	cases := map[string]string{
		"sess_01abc":     "sess_01abc",
		"../../etc":      "etc",
		"..":             "unknown",
		"":               "unknown",
		"a/b/c":          "c",
		"sess_01abc/../": "unknown",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
