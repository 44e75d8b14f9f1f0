package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the single goroutine allowed to write to the websocket.
// Priority frames (errors, audio_reset, close-bound messages) always go out
// before queued normal frames, and may preempt a normal frame already
// dequeued but not yet written.
type outboundWriter struct {
	ws         wsWriter
	ctx        context.Context
	cfg        Config
	priority   <-chan outboundFrame
	normal     <-chan outboundFrame
	isCanceled func(string) bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var held *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.drainPriority(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		if wrote, err := w.tryPriority(writeTimeout); err != nil {
			return err
		} else if wrote {
			continue
		}

		if held != nil {
			// One more preemption point before the held normal frame goes out.
			if wrote, err := w.tryPriority(writeTimeout); err != nil {
				return err
			} else if wrote {
				continue
			}
			if err := w.writeFrame(*held, writeTimeout); err != nil {
				return err
			}
			held = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			held = &frame
		}
	}
}

// tryPriority writes one queued priority frame if available.
func (w *outboundWriter) tryPriority(writeTimeout time.Duration) (bool, error) {
	if w.priority == nil {
		return false, nil
	}
	select {
	case frame, ok := <-w.priority:
		if !ok {
			w.priority = nil
			return false, nil
		}
		return true, w.writeFrame(frame, writeTimeout)
	default:
		return false, nil
	}
}

// drainPriority best-effort flushes queued priority frames on shutdown so a
// final error or audio_reset reaches the client before the close frame.
func (w *outboundWriter) drainPriority(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	budget := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < budget {
		budget = writeTimeout
	}
	deadline := time.Now().Add(budget)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.isAssistantAudio && w.isCanceled != nil && w.isCanceled(frame.assistantAudioID) {
		return nil
	}

	deadline := time.Now().Add(writeTimeout)

	if frame.binaryPair != nil {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.TextMessage, frame.binaryPair.header); err != nil {
			return err
		}
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPair.data)
	}

	if len(frame.textPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
	}

	return nil
}
