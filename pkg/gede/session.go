package gede

import (
	"context"
	"log/slog"

	"github.com/gedebridge/gedebridge/pkg/log"
	"github.com/gedebridge/gedebridge/pkg/metrics"
)

// Session is one logged in conversation with a concentrator. Every Session
// returned by Open must be closed.
type Session struct {
	client   *Client
	address  string
	token    string
	escalate bool
	closed   bool
}

// Open logs into address and escalates the token when escalate is set. A
// cached token rejected during escalation is replaced with a fresh login once.
func (c *Client) Open(ctx context.Context, address string, escalate bool) (*Session, error) {
	token, cached, err := c.login(ctx, address)
	if err != nil {
		return nil, err
	}
	s := &Session{
		client:   c,
		address:  address,
		token:    token,
		escalate: escalate,
	}
	if !escalate {
		return s, nil
	}

	err = c.Escalate(ctx, address, token)
	if err != nil && cached && isAuthError(err) {
		log.Ctx(ctx).DebugContext(ctx, "cached concentrator token rejected on scale", log.Address(address))
		err = s.refresh(ctx)
	}
	if err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func isAuthError(err error) bool {
	se, ok := AsStatusError(err)
	return ok && isAuthStatus(se.Status)
}

// Address is the concentrator address of the session.
func (s *Session) Address() string {
	return s.address
}

// refresh evicts the current token and logs in (and escalates) again.
func (s *Session) refresh(ctx context.Context) error {
	s.client.tokens.Evict(s.address, s.token)
	token, _, err := s.client.login(ctx, s.address)
	if err != nil {
		return err
	}
	s.token = token
	if s.escalate {
		return s.client.Escalate(ctx, s.address, token)
	}
	return nil
}

// Do sends a command. When the concentrator rejects the token with 401 or
// 403 the token is evicted, a fresh login (and escalation) is made and the
// command is sent exactly once more. The final response is returned whatever
// its status.
func (s *Session) Do(ctx context.Context, op string, r Request) (*Response, error) {
	return s.withRetry(ctx, op, func() (*Response, error) {
		return s.client.do(ctx, s.client.command, op, s.address, s.token, r)
	})
}

// withRetry runs send and, after an auth rejection, refreshes the session
// and runs it once more. send must use s.token as it is at call time.
func (s *Session) withRetry(ctx context.Context, op string, send func() (*Response, error)) (*Response, error) {
	resp, err := send()
	if err != nil || !isAuthStatus(resp.Status) {
		return resp, err
	}

	log.Ctx(ctx).InfoContext(ctx, "concentrator token rejected, logging in again",
		slog.String("op", op),
		log.Address(s.address),
		slog.Int("status", resp.Status),
	)
	metrics.IncAuthRetry(op)
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return send()
}

// Close logs out once. It runs even when ctx is already canceled, bounded by
// the session timeout, and the error is only returned for logging.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.client.sessionTimeout)
	defer cancel()
	err := s.client.Logout(ctx, s.address, s.token)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "concentrator logout failed", log.Address(s.address), slog.Any("error", err))
	}
	return err
}
