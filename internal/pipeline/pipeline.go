// Package pipeline runs the ordered per-handshake interceptor chain:
// Logging → Activity → Rate limit → Authentication. Each interceptor is a
// pure function returning a continue/reject verdict; the runner composes
// them with short-circuiting, so there are no nested next() callbacks to
// reason about.
package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/auth"
	"chatgate/internal/directory"
	"chatgate/internal/limits"
	"chatgate/internal/protocol"
)

// Handshake carries one upgrade attempt through the chain. Interceptors
// read the request fields and may attach identity to the outcome fields.
type Handshake struct {
	ConnID   string
	RemoteIP string
	Header   http.Header
	Query    url.Values

	// Outcome, populated by the auth interceptor.
	User          *protocol.UserProfile
	Authenticated bool
}

// Verdict is an interceptor's decision. A rejection carries the HTTP
// status to answer the upgrade request with.
type Verdict struct {
	Allow  bool
	Status int
	Reason string
	// Step names the interceptor that rejected, for metrics.
	Step string
}

func proceed() Verdict { return Verdict{Allow: true} }

func reject(status int, reason string) Verdict {
	return Verdict{Allow: false, Status: status, Reason: reason}
}

// Interceptor is one named step in the chain.
type Interceptor struct {
	Name string
	Run  func(ctx context.Context, h *Handshake) Verdict
}

// Pipeline is the composed chain. Order is fixed at construction and every
// handshake runs the same steps.
type Pipeline struct {
	steps  []Interceptor
	logger zerolog.Logger
}

func New(logger zerolog.Logger, steps ...Interceptor) *Pipeline {
	return &Pipeline{
		steps:  steps,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the chain in order, stopping at the first rejection.
func (p *Pipeline) Run(ctx context.Context, h *Handshake) Verdict {
	for _, step := range p.steps {
		v := step.Run(ctx, h)
		if !v.Allow {
			v.Step = step.Name
			p.logger.Debug().
				Str("conn_id", h.ConnID).
				Str("step", step.Name).
				Str("reason", v.Reason).
				Msg("Handshake rejected")
			return v
		}
	}
	return proceed()
}

// Logging records the inbound handshake before any decision is made.
func Logging(logger zerolog.Logger) Interceptor {
	return Interceptor{
		Name: "logging",
		Run: func(_ context.Context, h *Handshake) Verdict {
			logger.Debug().
				Str("conn_id", h.ConnID).
				Str("remote_ip", h.RemoteIP).
				Str("user_agent", h.Header.Get("User-Agent")).
				Str("origin", h.Header.Get("Origin")).
				Msg("Handshake received")
			return proceed()
		},
	}
}

// Activity reports handshake timing to the given sink (wired to the
// monitoring histogram by the gateway).
func Activity(observe func(elapsed time.Duration)) Interceptor {
	return Interceptor{
		Name: "activity",
		Run: func(_ context.Context, h *Handshake) Verdict {
			if observe != nil {
				start := time.Now()
				defer func() { observe(time.Since(start)) }()
			}
			return proceed()
		},
	}
}

// RateLimit applies the connection-level handshake guard.
func RateLimit(guard *limits.HandshakeGuard) Interceptor {
	return Interceptor{
		Name: "rate_limit",
		Run: func(_ context.Context, h *Handshake) Verdict {
			if guard != nil && !guard.Allow(h.RemoteIP) {
				return reject(http.StatusTooManyRequests, "handshake rate limit exceeded")
			}
			return proceed()
		},
	}
}

// AuthMode selects how the auth interceptor treats a missing or invalid
// token.
type AuthMode int

const (
	// AuthOptional never blocks the handshake: failures demote the
	// connection to guest.
	AuthOptional AuthMode = iota
	// AuthStrict rejects any handshake that does not authenticate.
	AuthStrict
)

// Auth extracts a bearer token, verifies it, and attaches the profile from
// the user directory. Token precedence: explicit auth field, Authorization
// header, token query parameter.
func Auth(verifier auth.Verifier, dir directory.Directory, mode AuthMode, logger zerolog.Logger) Interceptor {
	return Interceptor{
		Name: "auth",
		Run: func(ctx context.Context, h *Handshake) Verdict {
			fail := func(reason string) Verdict {
				if mode == AuthStrict {
					return reject(http.StatusUnauthorized, reason)
				}
				// Optional mode: continue as guest.
				return proceed()
			}

			token := ExtractToken(h.Header, h.Query)
			if token == "" {
				return fail("no token presented")
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Debug().
					Str("conn_id", h.ConnID).
					Err(err).
					Msg("Handshake token rejected")
				return fail("invalid token")
			}

			profile, err := dir.FindByID(ctx, claims.UserID)
			if err != nil {
				logger.Warn().
					Str("conn_id", h.ConnID).
					Str("user_id", claims.UserID).
					Err(err).
					Msg("Directory lookup failed during handshake")
				return fail("directory unavailable")
			}
			if profile == nil {
				return fail("unknown user")
			}

			h.User = profile
			h.Authenticated = true
			return proceed()
		},
	}
}

// ExtractToken pulls a bearer token from a handshake request. Precedence:
// explicit auth field, Authorization header, token query parameter.
func ExtractToken(header http.Header, query url.Values) string {
	if token := strings.TrimSpace(query.Get("auth")); token != "" {
		return token
	}
	if authz := strings.TrimSpace(header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(query.Get("token"))
}
