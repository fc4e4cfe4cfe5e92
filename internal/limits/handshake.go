package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HandshakeGuard rate-limits WebSocket upgrade attempts before any
// per-connection state exists. Two token buckets apply in order:
//
//   - Global: caps system-wide handshakes/sec, protecting against
//     distributed floods.
//   - Per-IP: caps one address, protecting against a single bad client
//     while still allowing legitimate reconnect bursts.
//
// This is deliberately a token bucket (golang.org/x/time/rate), not the
// fixed-window limiter used for in-session events: handshake cost is
// front-loaded and benefits from smooth sustained rates.
type HandshakeGuard struct {
	ipMu       sync.Mutex
	ipLimiters map[string]*ipEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	ticker *time.Ticker
	done   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HandshakeGuardConfig carries the guard's limits. Zero values fall back
// to defaults (per-IP 10 burst / 1 per sec, global 300 burst / 50 per sec,
// 5 minute idle TTL).
type HandshakeGuardConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func NewHandshakeGuard(cfg HandshakeGuardConfig, logger zerolog.Logger) *HandshakeGuard {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	g := &HandshakeGuard{
		ipLimiters: make(map[string]*ipEntry),
		ipBurst:    cfg.IPBurst,
		ipRate:     cfg.IPRate,
		ipTTL:      cfg.IPTTL,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:     logger.With().Str("component", "handshake_guard").Logger(),
		done:       make(chan struct{}),
	}

	g.ticker = time.NewTicker(time.Minute)
	go g.cleanupLoop()

	return g
}

// Allow reports whether a handshake from ip may proceed. Global limit is
// checked first (no map lookup on the reject path).
func (g *HandshakeGuard) Allow(ip string) bool {
	if !g.global.Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Handshake rejected: global rate limit")
		return false
	}
	if !g.ipLimiter(ip).Allow() {
		g.logger.Debug().Str("ip", ip).Msg("Handshake rejected: per-IP rate limit")
		return false
	}
	return true
}

func (g *HandshakeGuard) ipLimiter(ip string) *rate.Limiter {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	entry, ok := g.ipLimiters[ip]
	if ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{
		limiter:  rate.NewLimiter(rate.Limit(g.ipRate), g.ipBurst),
		lastSeen: time.Now(),
	}
	g.ipLimiters[ip] = entry
	return entry.limiter
}

func (g *HandshakeGuard) cleanupLoop() {
	for {
		select {
		case <-g.ticker.C:
			g.cleanup()
		case <-g.done:
			g.ticker.Stop()
			return
		}
	}
}

func (g *HandshakeGuard) cleanup() {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range g.ipLimiters {
		if now.Sub(entry.lastSeen) > g.ipTTL {
			delete(g.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(g.ipLimiters)).
			Msg("Dropped idle per-IP handshake limiters")
	}
}

// Stop terminates the background cleanup goroutine.
func (g *HandshakeGuard) Stop() {
	close(g.done)
}
