// Package notify delivers companion notifications to the host application.
// Delivery failures are reported to the caller but never escalate; a broken
// notification surface must not break agent execution.
package notify

import (
	"sync"

	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/logging"
)

// Sink delivers notifications to the user.
type Sink interface {
	Deliver(n core.Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(n core.Notification) error

func (f SinkFunc) Deliver(n core.Notification) error { return f(n) }

// LogSink writes notifications to the logger. The default when no real
// surface is wired.
type LogSink struct {
	Logger logging.Logger
}

func (s LogSink) Deliver(n core.Notification) error {
	s.Logger.Info("notification", "type", string(n.Type), "title", n.Title, "body", n.Body)
	return nil
}

// ChanSink pushes notifications onto a channel, dropping when the channel is
// full. Used by embedders that pump notifications into a UI loop.
type ChanSink struct {
	once sync.Once
	ch   chan core.Notification
	size int
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 16
	}
	return &ChanSink{size: size}
}

// C returns the receive channel.
func (s *ChanSink) C() <-chan core.Notification {
	s.init()
	return s.ch
}

func (s *ChanSink) Deliver(n core.Notification) error {
	s.init()
	select {
	case s.ch <- n:
	default:
	}
	return nil
}

func (s *ChanSink) init() {
	s.once.Do(func() { s.ch = make(chan core.Notification, s.size) })
}
