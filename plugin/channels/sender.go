package channels

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Sender routes outbound calls to the owning channel with a per-channel rate
// limit. Chat platforms throttle bots aggressively; pacing sends here keeps a
// chatty agent from getting the account flagged.
type Sender struct {
	registry *Registry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// sendsPerSecond is the steady-state outbound budget per channel.
	sendsPerSecond rate.Limit
	burst          int
}

// NewSender creates a rate-limited sender over the registry.
func NewSender(registry *Registry, sendsPerSecond float64, burst int) *Sender {
	if sendsPerSecond <= 0 {
		sendsPerSecond = 1
	}
	if burst <= 0 {
		burst = 3
	}
	return &Sender{
		registry:       registry,
		limiters:       make(map[string]*rate.Limiter),
		sendsPerSecond: rate.Limit(sendsPerSecond),
		burst:          burst,
	}
}

func (s *Sender) limiterFor(channel string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[channel]
	if !ok {
		lim = rate.NewLimiter(s.sendsPerSecond, s.burst)
		s.limiters[channel] = lim
	}
	return lim
}

// SendMessage delivers text to the chat owning jid.
func (s *Sender) SendMessage(ctx context.Context, jid, text string) error {
	ch := s.registry.OwnerOf(jid)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %q", jid)
	}
	if err := s.limiterFor(ch.Name()).Wait(ctx); err != nil {
		return err
	}
	return ch.SendMessage(ctx, jid, text)
}

// SendReaction attaches an emoji reaction; unsupported channels are a no-op.
func (s *Sender) SendReaction(ctx context.Context, jid string, key MessageKey, emoji string) error {
	ch := s.registry.OwnerOf(jid)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %q", jid)
	}
	if err := s.limiterFor(ch.Name()).Wait(ctx); err != nil {
		return err
	}
	err := ch.SendReaction(ctx, jid, key, emoji)
	if err == ErrUnsupported {
		return nil
	}
	return err
}

// SetTyping toggles the typing indicator. Typing is cosmetic, so callers may
// log the returned error and move on; unsupported channels are a no-op.
func (s *Sender) SetTyping(ctx context.Context, jid string, typing bool) error {
	ch := s.registry.OwnerOf(jid)
	if ch == nil {
		return fmt.Errorf("no channel owns jid %q", jid)
	}
	if err := ch.SetTyping(ctx, jid, typing); err != nil && err != ErrUnsupported {
		return err
	}
	return nil
}

// Owns reports whether any registered channel owns the JID.
func (s *Sender) Owns(jid string) bool {
	return s.registry.OwnerOf(jid) != nil
}
