package lim

import (
	"context"
	"fmt"
	"golang.org/x/time/rate"
	"net"
	"net/http"
	"pastebin/svc/cache"
	"pastebin/svc/util"
	"strings"
	"sync/atomic"
	"time"
)

const (
	limiterTTL       = 30 * time.Minute
	adaptiveDuration = 60 * time.Second
	counterTimeout   = 100 * time.Millisecond
)

// Rule is a per-client budget for one endpoint.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// WindowCounter is a shared fixed-window counter, implemented by db.Redis.
type WindowCounter interface {
	Window(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter enforces Rules per client address. With a WindowCounter the
// budget is shared by every server process; without one, or when the counter
// fails, each process keeps token buckets in a bounded LRU table.
type Limiter struct {
	counter           WindowCounter
	local             *cache.LRU[*rate.Limiter]
	trustedProxies    []string
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	now               func() time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New builds a Limiter. counter may be nil.
func New(counter WindowCounter, localSize int, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, fmt.Errorf("invalid CIDR in trusted proxies: %s: %w", proxy, err)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, fmt.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	local, err := cache.NewLRU[*rate.Limiter](localSize, limiterTTL)
	if err != nil {
		return nil, fmt.Errorf("limiter table: %w", err)
	}
	l := &Limiter{
		counter:        counter,
		local:          local,
		trustedProxies: trustedProxies,
		now:            time.Now,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	l.detector.Start()
	return l, nil
}
func (l *Limiter) Stop() {
	l.detector.Stop()
}
func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveDuration).UnixNano())
}
func (l *Limiter) isAdaptiveMode() bool {
	return l.now().UnixNano() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

// RecordResponse feeds a finished request into the anomaly detector.
func (l *Limiter) RecordResponse(status int) {
	l.detector.Record(status >= 500)
}
func (l *Limiter) effectiveLimit(limit int) int {
	if l.isAdaptiveMode() {
		limit /= 2
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// CheckLimit charges one request from r's client against rule.
func (l *Limiter) CheckLimit(r *http.Request, rule Rule) *RateLimitResult {
	return l.Allow(r.Context(), rule, GetRealIP(r, l.trustedProxies))
}
func (l *Limiter) Allow(ctx context.Context, rule Rule, client string) *RateLimitResult {
	limit := l.effectiveLimit(rule.Limit)
	if l.counter != nil {
		ctx, cancel := context.WithTimeout(ctx, counterTimeout)
		defer cancel()
		count, ttl, err := l.counter.Window(ctx, "rl:"+rule.Name+":"+client, rule.Window)
		if err == nil {
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}
			return &RateLimitResult{
				Allowed:   count <= int64(limit),
				Limit:     limit,
				Remaining: remaining,
				Reset:     l.now().Add(ttl),
			}
		}
		util.Warn().Err(err).Str("rule", rule.Name).Msg("shared rate limit unavailable, using local fallback")
	}
	return l.allowLocal(rule, limit, client)
}
func (l *Limiter) allowLocal(rule Rule, limit int, client string) *RateLimitResult {
	key := fmt.Sprintf("%s:%d:%s", rule.Name, limit, client)
	every := rule.Window / time.Duration(limit)
	lim := l.local.GetOrAdd(key, func() *rate.Limiter {
		return rate.NewLimiter(rate.Every(every), limit)
	})
	now := l.now()
	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	reset := now
	if !allowed {
		reset = now.Add(every)
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	// walk right to left, the first untrusted hop is the client
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		var ipStr string
		if lastComma := strings.LastIndexByte(remaining, ','); lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
