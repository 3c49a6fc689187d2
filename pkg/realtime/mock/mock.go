// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled sessions. Use
// Session to push scripted events and inspect what the client sent.
//
// Example:
//
//	sess := mock.NewSession()
//	d := &mock.Dialer{Session: sess}
//	s, _ := d.Dial(ctx, "ek_test", cfg)
//	sess.Push(realtime.TurnStarted{ResponseID: "resp_1"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Secret is the client secret passed to Dial.
	Secret string
	// Cfg is the SessionConfig passed to Dial.
	Cfg realtime.SessionConfig
}

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// TransportMode is returned by Mode.
	TransportMode realtime.Mode

	// Session is returned by Dial. If nil, Dial returns a new Session.
	Session *Session

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Mode returns TransportMode.
func (d *Dialer) Mode() realtime.Mode { return d.TransportMode }

// Dial records the call and returns Session, DialErr.
func (d *Dialer) Dial(_ context.Context, secret string, cfg realtime.SessionConfig) (realtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Secret: secret, Cfg: cfg})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Session == nil {
		d.Session = NewSession()
	}
	return d.Session, nil
}

// Calls returns a copy of the recorded Dial calls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.DialCalls)
}

// Ensure Dialer implements realtime.Dialer at compile time.
var _ realtime.Dialer = (*Dialer)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// PCM is a copy of the bytes passed to SendAudio.
	PCM  []byte
	Opts realtime.SendOptions
}

// Session is a mock implementation of realtime.Session. Events pushed with
// Push are delivered in order; Close closes the event channel.
type Session struct {
	mu     sync.Mutex
	events chan realtime.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	sendAudioCalls []SendAudioCall
	interruptCalls int
	closeCalls     int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 256)}
}

// Push delivers events to the session's stream. It blocks while the buffer
// is full. Events pushed after Close are dropped.
func (s *Session) Push(events ...realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, e := range events {
		s.events <- e
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(pcm []byte, opts realtime.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.sendAudioCalls = append(s.sendAudioCalls, SendAudioCall{PCM: slices.Clone(pcm), Opts: opts})
	return s.SendAudioErr
}

// Events returns the scripted event stream.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptCalls++
	return s.InterruptErr
}

// Close closes the event channel on first call and returns CloseErr then;
// later calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return s.CloseErr
}

// SendAudioCalls returns a copy of the recorded SendAudio calls.
func (s *Session) SendAudioCalls() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sendAudioCalls)
}

// InterruptCalls returns the number of Interrupt calls.
func (s *Session) InterruptCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptCalls
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
