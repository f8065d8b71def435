package svc

import (
	"context"
	"net/http"
	"pastebin/cfg"
	"pastebin/metrics"
	"pastebin/pkg/domain"
	"pastebin/svc/db"
	"pastebin/svc/util"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

var ErrShuttingDown = domain.NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)

const (
	defaultMaxPasteSize  = 1 << 20
	defaultIDMaxAttempts = 3
	readBucket           = 10 * time.Millisecond
)

// ExpiryResolver turns a symbolic expiry key into an absolute timestamp.
type ExpiryResolver interface {
	Resolve(key string, now time.Time) time.Time
}

// Paste validates and stores new pastes and serves live ones. It keeps no
// paste between requests; the store is the only copy.
type Paste struct {
	store       db.Store
	expiry      ExpiryResolver
	ids         util.IDGen
	maxSize     int
	maxAttempts int
	now         func() time.Time
	reads       singleflight.Group
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
}

func NewPaste(store db.Store, expiry ExpiryResolver, ids util.IDGen, c *cfg.Cfg) *Paste {
	if store == nil || expiry == nil || ids == nil || c == nil {
		panic("paste service: nil dependency (store, expiry, ids, or cfg)")
	}
	p := &Paste{
		store:       store,
		expiry:      expiry,
		ids:         ids,
		maxSize:     int(c.MaxPasteSize),
		maxAttempts: c.IDMaxAttempts,
		now:         time.Now,
	}
	if p.maxSize <= 0 {
		p.maxSize = defaultMaxPasteSize
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultIDMaxAttempts
	}
	return p
}

// SetClock replaces the time source. Call it before serving.
func (p *Paste) SetClock(now func() time.Time) {
	p.now = now
}
func (p *Paste) Now() time.Time {
	return p.now()
}
func (p *Paste) MaxSize() int {
	return p.maxSize
}

// Shutdown refuses new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}
func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Validate applies the content rules without touching the store.
func (p *Paste) Validate(content string) error {
	if len(content) > p.maxSize {
		return domain.ErrPasteTooLarge
	}
	if strings.TrimSpace(content) == "" {
		return domain.ErrContentRequired
	}
	if !utf8.ValidString(content) || strings.IndexByte(content, 0) >= 0 {
		return domain.ErrInvalidContent
	}
	return nil
}

// Create stores content under a fresh id. A duplicate id is retried with a
// new one up to the configured number of attempts.
func (p *Paste) Create(ctx context.Context, content, expiryKey string) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := p.Validate(content); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	expiresAt := p.expiry.Resolve(expiryKey, now)
	requestID := util.GetRequestID(ctx)
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		id, err := p.ids.Generate()
		if err != nil {
			return nil, errors.Wrap(domain.ErrInternalServer.WithCause(err), "gen id")
		}
		paste := &domain.Paste{
			ID:        id,
			Content:   content,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}
		err = p.store.Insert(ctx, paste)
		if err == nil {
			metrics.PasteCreated.Inc()
			util.Info().
				Str("request_id", requestID).
				Str("id", id).
				Str("expiry", expiryKey).
				Int("size", len(content)).
				Time("expires_at", expiresAt).
				Msg("paste created")
			util.Debug().
				Str("request_id", requestID).
				Str("id", id).
				Str("content", util.RedactPasteContent(content)).
				Msg("paste content")
			return paste, nil
		}
		if !errors.Is(err, domain.ErrDuplicateID) {
			return nil, errors.Wrap(err, "create paste")
		}
		metrics.IDCollisions.Inc()
		util.Warn().
			Str("request_id", requestID).
			Str("id", id).
			Int("attempt", attempt).
			Msg("paste id collision, regenerating")
	}
	metrics.CreationFailures.Inc()
	util.Error().
		Str("request_id", requestID).
		Int("attempts", p.maxAttempts).
		Msg("could not allocate a unique paste id")
	return nil, domain.ErrCreationFailed
}

// Read returns the paste if it is live now. Malformed ids never reach the
// store. Concurrent reads of one id share a single store call, and every
// caller gets its own copy checked against its own clock reading.
func (p *Paste) Read(ctx context.Context, id string) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if !util.ValidID(id) {
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	now := p.now()
	// Callers share a fetch only within one bucket, and the fetch uses the
	// bucket start, which is no later than any caller's now. Rows it drops
	// are expired for every caller; the rest are re-checked below.
	bucket := now.Truncate(readBucket)
	key := id + "@" + strconv.FormatInt(bucket.UnixNano(), 10)
	shared := context.WithoutCancel(ctx)
	ch := p.reads.DoChan(key, func() (interface{}, error) {
		return p.store.FetchLive(shared, id, bucket)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		if errors.Is(res.Err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(res.Err, "get paste")
	}
	paste := res.Val.(*domain.Paste)
	if !paste.Live(now) {
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	metrics.PasteRetrieved.Inc()
	return paste.Clone(), nil
}

// Stats reports store counts as of now.
func (p *Paste) Stats(ctx context.Context) (db.Stats, error) {
	return p.store.Stats(ctx, p.now())
}
