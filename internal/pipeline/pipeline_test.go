package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/auth"
	"chatgate/internal/directory"
	"chatgate/internal/protocol"
)

func step(name string, allow bool, trace *[]string) Interceptor {
	return Interceptor{
		Name: name,
		Run: func(_ context.Context, _ *Handshake) Verdict {
			*trace = append(*trace, name)
			if allow {
				return Verdict{Allow: true}
			}
			return Verdict{Allow: false, Status: http.StatusForbidden, Reason: name + " said no"}
		},
	}
}

func TestRunExecutesInOrder(t *testing.T) {
	var trace []string
	p := New(zerolog.Nop(),
		step("first", true, &trace),
		step("second", true, &trace),
		step("third", true, &trace),
	)

	v := p.Run(context.Background(), &Handshake{ConnID: "c1"})
	if !v.Allow {
		t.Fatal("all steps allowed, verdict should allow")
	}
	want := []string{"first", "second", "third"}
	for i, name := range want {
		if trace[i] != name {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestRunShortCircuitsOnRejection(t *testing.T) {
	var trace []string
	p := New(zerolog.Nop(),
		step("first", true, &trace),
		step("second", false, &trace),
		step("third", true, &trace),
	)

	v := p.Run(context.Background(), &Handshake{ConnID: "c1"})
	if v.Allow {
		t.Fatal("rejection must propagate")
	}
	if v.Step != "second" {
		t.Fatalf("rejecting step = %q, want second", v.Step)
	}
	if v.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", v.Status)
	}
	if len(trace) != 2 {
		t.Fatalf("steps after rejection ran: %v", trace)
	}
}

func TestExtractTokenPrecedence(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer header-token")

	query := url.Values{}
	query.Set("auth", "auth-token")
	query.Set("token", "query-token")

	if got := ExtractToken(header, query); got != "auth-token" {
		t.Fatalf("got %q, auth field should win", got)
	}

	query.Del("auth")
	if got := ExtractToken(header, query); got != "header-token" {
		t.Fatalf("got %q, Authorization header should win over token param", got)
	}

	header.Del("Authorization")
	if got := ExtractToken(header, query); got != "query-token" {
		t.Fatalf("got %q, want token param fallback", got)
	}

	header.Set("Authorization", "bearer lowercase-token")
	if got := ExtractToken(header, query); got != "lowercase-token" {
		t.Fatalf("got %q, bearer prefix must be case-insensitive", got)
	}
}

func authFixture(t *testing.T) (*auth.JWTVerifier, *directory.Memory, string) {
	t.Helper()
	verifier := auth.NewJWTVerifier("0123456789abcdef", "")
	dir := directory.NewMemory()
	dir.Put(protocol.UserProfile{ID: "u1", Username: "alice"})

	token, err := verifier.Issue("u1", "alice", "member", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return verifier, dir, token
}

func TestAuthOptionalDemotesToGuest(t *testing.T) {
	verifier, dir, _ := authFixture(t)
	ic := Auth(verifier, dir, AuthOptional, zerolog.Nop())

	h := &Handshake{ConnID: "c1", Header: http.Header{}, Query: url.Values{"auth": {"garbage"}}}
	v := ic.Run(context.Background(), h)
	if !v.Allow {
		t.Fatal("optional mode never blocks the handshake")
	}
	if h.Authenticated || h.User != nil {
		t.Fatal("failed auth must leave the handshake as guest")
	}
}

func TestAuthStrictRejectsBadToken(t *testing.T) {
	verifier, dir, _ := authFixture(t)
	ic := Auth(verifier, dir, AuthStrict, zerolog.Nop())

	h := &Handshake{ConnID: "c1", Header: http.Header{}, Query: url.Values{"auth": {"garbage"}}}
	v := ic.Run(context.Background(), h)
	if v.Allow {
		t.Fatal("strict mode must reject an invalid token")
	}
	if v.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", v.Status)
	}

	// No token at all also rejects in strict mode.
	h = &Handshake{ConnID: "c2", Header: http.Header{}, Query: url.Values{}}
	if v := ic.Run(context.Background(), h); v.Allow {
		t.Fatal("strict mode must reject a missing token")
	}
}

func TestAuthAttachesProfile(t *testing.T) {
	verifier, dir, token := authFixture(t)
	ic := Auth(verifier, dir, AuthStrict, zerolog.Nop())

	h := &Handshake{ConnID: "c1", Header: http.Header{}, Query: url.Values{"auth": {token}}}
	v := ic.Run(context.Background(), h)
	if !v.Allow {
		t.Fatalf("valid token rejected: %s", v.Reason)
	}
	if !h.Authenticated || h.User == nil {
		t.Fatal("handshake should carry the authenticated identity")
	}
	if h.User.ID != "u1" || h.User.Username != "alice" {
		t.Fatalf("profile = %+v", h.User)
	}
}

func TestAuthUnknownUserRejectedStrict(t *testing.T) {
	verifier, dir, _ := authFixture(t)
	token, err := verifier.Issue("ghost", "ghost", "member", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ic := Auth(verifier, dir, AuthStrict, zerolog.Nop())

	h := &Handshake{ConnID: "c1", Header: http.Header{}, Query: url.Values{"auth": {token}}}
	if v := ic.Run(context.Background(), h); v.Allow {
		t.Fatal("token for a user absent from the directory must reject")
	}
}
