package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/voxbridge/voxbridge/pkg/core/pcm"
)

const (
	micFrameMS = 20

	// The device buffer absorbs scheduling jitter between the paced
	// playback drain and the hardware pull.
	speakerBufferMS = 100
)

// initAudio opens both halves of the audio stack: malgo capture at the
// 16 kHz session input format and an oto playback context at the 24 kHz
// assistant output format. The returned cleanup tears everything down.
func initAudio() (*micReader, *speakerWriter, func(), error) {
	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init audio context: %w", err)
	}

	mic, err := newMicReader(malgoCtx.Context, pcm.CaptureFormat())
	if err != nil {
		malgoCtx.Uninit()
		return nil, nil, nil, err
	}

	playback := pcm.PlaybackFormat()
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   playback.SampleRate,
		ChannelCount: playback.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   speakerBufferMS * time.Millisecond,
	})
	if err != nil {
		mic.Close()
		malgoCtx.Uninit()
		return nil, nil, nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	speaker := newSpeakerWriter(otoCtx)

	cleanup := func() {
		mic.Close()
		speaker.Close()
		malgoCtx.Uninit()
	}
	return mic, speaker, cleanup, nil
}

// micReader captures microphone audio. The device callback appends into a
// shared buffer; Read blocks until audio is available.
type micReader struct {
	device *malgo.Device
	buf    []byte
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

func newMicReader(ctx malgo.Context, format pcm.Format) (*micReader, error) {
	m := &micReader{
		buf: make([]byte, 0, format.BytesPerSecond()),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = micFrameMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.mu.Lock()
			if !m.closed {
				m.buf = append(m.buf, input...)
			}
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(ctx, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return m, nil
}

// Read copies buffered capture data into p, blocking until audio arrives.
// It returns 0 once the reader is closed.
func (m *micReader) Read(p []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0
	}

	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n
}

func (m *micReader) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()

	if m.device != nil {
		m.device.Stop()
		m.device.Uninit()
	}
}

// speakerWriter feeds assistant audio to an oto player. The player pulls
// from the internal buffer via Read; Flush drops everything pending for
// barge-in.
type speakerWriter struct {
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	mu      sync.Mutex
	cond    *sync.Cond
	playing bool
	closed  bool
}

func newSpeakerWriter(ctx *oto.Context) *speakerWriter {
	s := &speakerWriter{
		otoCtx: ctx,
		buf:    make([]byte, 0, pcm.PlaybackFormat().BytesPerSecond()),
	}
	s.cond = sync.NewCond(&s.mu)
	// The player starts lazily on the first write so a silent session never
	// opens the output device.
	return s
}

func (s *speakerWriter) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.buf = append(s.buf, data...)

	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Read implements io.Reader for the oto player pull loop. It returns
// silence once the writer is closed so the device can drain.
func (s *speakerWriter) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards pending audio and tears the player down so stale assistant
// speech cannot overlap the next reply. The next Write starts a new player.
func (s *speakerWriter) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]

	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *speakerWriter) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.mu.Unlock()
	s.cond.Broadcast()

	if player != nil {
		player.Close()
	}
}
