package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/core/pcm"
)

const (
	meterBarWidth = 12

	// RMS of conversational speech sits well below full scale; scale it up
	// so normal speaking levels reach the middle of the bar.
	meterGain = 4.0

	// Peak markers fall back toward the live level by this factor per
	// refresh tick.
	peakDecay = 0.85

	captionWidth = 56
)

// volumeMeter tracks microphone and assistant audio levels with peak hold.
type volumeMeter struct {
	mu      sync.Mutex
	inRMS   float64
	inPeak  float64
	outRMS  float64
	outPeak float64
}

func (m *volumeMeter) ObserveInput(frame []byte) {
	rms := pcm.RMSEnergy(frame)
	peak := pcm.PeakAmplitude(frame)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inRMS = rms
	if peak > m.inPeak {
		m.inPeak = peak
	}
}

func (m *volumeMeter) ObserveOutput(chunk []byte) {
	rms := pcm.RMSEnergy(chunk)
	peak := pcm.PeakAmplitude(chunk)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.outRMS = rms
	if peak > m.outPeak {
		m.outPeak = peak
	}
}

// Decay lets the peak markers fall and zeroes levels for the next window so
// a silent stream drops the bar instead of freezing it.
func (m *volumeMeter) Decay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inPeak *= peakDecay
	m.outPeak *= peakDecay
	if m.inPeak < m.inRMS {
		m.inPeak = m.inRMS
	}
	if m.outPeak < m.outRMS {
		m.outPeak = m.outRMS
	}
	m.inRMS = 0
	m.outRMS = 0
}

func (m *volumeMeter) Levels() (inRMS, inPeak, outRMS, outPeak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inRMS, m.inPeak, m.outRMS, m.outPeak
}

// meterBar renders a level bar with a peak-hold marker, like:
//
//	█████▌······
func meterBar(level, peak float64, width int) string {
	if width <= 0 {
		return ""
	}
	level = clamp01(level * meterGain)
	peak = clamp01(peak * meterGain)

	filled := int(level*float64(width) + 0.5)
	mark := int(peak * float64(width))
	if mark >= width {
		mark = width - 1
	}

	var b strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i < filled:
			b.WriteRune('█')
		case i == mark && peak > 0:
			b.WriteRune('▌')
		default:
			b.WriteRune('·')
		}
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// renderStatus composes the one-line status: a state tag, the mic and
// speaker bars, and the transient caption (user partial or assistant text
// in progress).
func renderStatus(th theme, meter *volumeMeter, speaking, muted bool, caption string) string {
	inRMS, inPeak, outRMS, outPeak := meter.Levels()

	state := "listening"
	stateColor := th.user
	switch {
	case muted:
		state = "muted    "
		stateColor = th.warn
	case speaking:
		state = "speaking "
		stateColor = th.assistant
	}

	inColor := th.meterLow
	if inPeak*meterGain > 0.7 {
		inColor = th.meterHigh
	}
	outColor := th.meterLow
	if outPeak*meterGain > 0.7 {
		outColor = th.meterHigh
	}

	line := fmt.Sprintf("%s mic %s spk %s",
		th.paint(stateColor, state),
		th.paint(inColor, meterBar(inRMS, inPeak, meterBarWidth)),
		th.paint(outColor, meterBar(outRMS, outPeak, meterBarWidth)),
	)
	if caption != "" {
		line += " " + th.paint(th.dim, truncateLeft(caption, captionWidth))
	}
	return line
}

// truncateLeft keeps the tail of s, prefixing an ellipsis when it was cut.
func truncateLeft(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return "…" + string(runes[len(runes)-max+1:])
}

// consolePrinter serializes terminal output. Committed lines print above a
// single redrawn status line, so the meter and in-progress transcripts never
// interleave with finished output.
type consolePrinter struct {
	mu     sync.Mutex
	out    io.Writer
	status string
}

func newConsolePrinter(out io.Writer) *consolePrinter {
	return &consolePrinter{out: out}
}

// Line commits a full line of output, re-drawing the status line below it.
func (p *consolePrinter) Line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eraseLocked()
	fmt.Fprintln(p.out, s)
	p.drawLocked()
}

func (p *consolePrinter) Linef(format string, args ...any) {
	p.Line(fmt.Sprintf(format, args...))
}

// Print writes without a newline and without status handling. Chat mode uses
// it for inline delta streaming while no status line is active.
func (p *consolePrinter) Print(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, s)
}

// SetStatus replaces the bottom status line. An empty string erases it.
func (p *consolePrinter) SetStatus(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == p.status {
		return
	}
	p.eraseLocked()
	p.status = s
	p.drawLocked()
}

func (p *consolePrinter) eraseLocked() {
	if p.status != "" {
		fmt.Fprint(p.out, "\r\x1b[2K")
	}
}

func (p *consolePrinter) drawLocked() {
	if p.status != "" {
		fmt.Fprint(p.out, p.status)
	}
}
