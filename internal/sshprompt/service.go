// Package sshprompt implements SSHPromptService: a request/response bus for
// host-key and credential prompts raised by the SSH runtime, with host-key
// de-duplication, late-subscriber replay, and a default-resolve-empty
// timeout.
package sshprompt

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"muxcore/internal/observability"
)

// Kind discriminates a prompt request.
type Kind string

const (
	KindHostKey     Kind = "host-key"
	KindCredentials Kind = "credentials"
)

// Request is one outstanding prompt raised to a UI responder.
type Request struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Kind        Kind   `json:"kind"`
	Host        string `json:"host,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Prompt      string `json:"prompt,omitempty"`

	// DedupeKey identifies requests that should be joined rather than
	// re-raised.
	DedupeKey string `json:"-"`
}

// pending is one in-flight request plus every waiter joined to it.
type pending struct {
	req     Request
	waiters []chan string
}

// Service is the request/response bus. Zero value is not usable; use New.
type Service struct {
	timeout time.Duration

	mu         sync.Mutex
	responders int
	byID       map[string]*pending
	byDedupe   map[string]*pending // host-key dedupe only

	onRequest func(Request)
	logger    zerolog.Logger
}

// New builds a Service with the given default prompt timeout. onRequest is
// invoked synchronously under no lock held by Service for every
// freshly-raised (non-joined) request — the UI transport wires this to its
// own
// broadcast.
func New(timeout time.Duration, onRequest func(Request)) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if onRequest == nil {
		onRequest = func(Request) {}
	}
	return &Service{
		timeout:   timeout,
		byID:      make(map[string]*pending),
		byDedupe:  make(map[string]*pending),
		onRequest: onRequest,
		logger:    *observability.LoggerWithTrace(nil),
	}
}

// RegisterResponder marks a responder as connected. Release with
// ReleaseResponder. While no responder is registered, RequestPrompt
// resolves immediately with "".
func (s *Service) RegisterResponder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders++
}

// ReleaseResponder marks a responder as disconnected. Releasing while a
// request is pending does not reject it — the next connected responder can
// still answer it before the timeout fires.
func (s *Service) ReleaseResponder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responders > 0 {
		s.responders--
	}
}

// PendingRequests returns every currently-pending request, for replay to a
// late-connecting subscriber.
func (s *Service) PendingRequests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p.req)
	}
	return out
}

// RequestPrompt raises req and blocks (via the returned channel) until a
// responder answers or the timeout fires. Call Wait on the returned
// *Pending or just read from its channel.
func (s *Service) RequestPrompt(req Request) *Pending {
	ch := make(chan string, 1)

	s.mu.Lock()
	if s.responders == 0 {
		s.mu.Unlock()
		ch <- ""
		return &Pending{ch: ch}
	}

	if req.Kind == KindHostKey && req.DedupeKey != "" {
		if existing, ok := s.byDedupe[req.DedupeKey]; ok {
			existing.waiters = append(existing.waiters, ch)
			s.mu.Unlock()
			return &Pending{ch: ch, requestID: existing.req.ID, svc: s}
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := &pending{req: req, waiters: []chan string{ch}}
	s.byID[req.ID] = p
	if req.Kind == KindHostKey && req.DedupeKey != "" {
		s.byDedupe[req.DedupeKey] = p
	}
	s.mu.Unlock()

	s.onRequest(req)

	go s.fireTimeout(req.ID)

	return &Pending{ch: ch, requestID: req.ID, svc: s}
}

func (s *Service) fireTimeout(requestID string) {
	time.Sleep(s.timeout)
	s.mu.Lock()
	p, ok := s.byID[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, requestID)
	if p.req.DedupeKey != "" {
		delete(s.byDedupe, p.req.DedupeKey)
	}
	waiters := p.waiters
	s.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- "":
		default:
		}
	}
	s.logger.Debug().Str("requestId", requestID).Msg("ssh_prompt_timeout")
}

// Respond resolves requestID with response, waking every joined waiter.
// Respond(requestId, R) called a second time after a prompt already
// resolved is a no-op — "removed" has already happened once and there is
// nothing left to deliver to.
func (s *Service) Respond(requestID, response string) {
	s.mu.Lock()
	p, ok := s.byID[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.byID, requestID)
	if p.req.DedupeKey != "" {
		delete(s.byDedupe, p.req.DedupeKey)
	}
	waiters := p.waiters
	s.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- response:
		default:
		}
	}
}

// Pending is the handle RequestPrompt returns.
type Pending struct {
	ch        chan string
	requestID string
	svc       *Service
}

// Wait blocks until Respond or the timeout resolves this request.
func (p *Pending) Wait() string { return <-p.ch }

// RequestID is the id a UI responder must pass back to Service.Respond.
// Empty when the prompt resolved immediately (no responder registered).
func (p *Pending) RequestID() string { return p.requestID }
