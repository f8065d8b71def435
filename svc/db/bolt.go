package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"pastebin/pkg/domain"
	"time"
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")
)

// Bolt keeps pastes in one bucket and a (expires_at, id) index in another so
// expired rows are found by a cursor walk from the front. bbolt takes an
// exclusive file lock, so one process must own both serving and sweeping.
type Bolt struct {
	db *bolt.DB
}

type boltRecord struct {
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func NewBolt(path string, lockTimeout time.Duration) (*Bolt, error) {
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return errors.Wrap(err, "create paste bucket")
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return errors.Wrap(err, "create expire bucket")
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}
func buckets(tx *bolt.Tx) (*bolt.Bucket, *bolt.Bucket, error) {
	p, e := tx.Bucket(pasteBucket), tx.Bucket(expireBucket)
	if p == nil || e == nil {
		return nil, nil, errors.New("buckets not initialized")
	}
	return p, e, nil
}
func (b *Bolt) Insert(ctx context.Context, p *domain.Paste) error {
	if err := checkInsert(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable(err, "bolt insert")
	}
	data, err := json.Marshal(boltRecord{
		Content:   p.Content,
		CreatedAt: toNanos(p.CreatedAt),
		ExpiresAt: toNanos(p.ExpiresAt),
	})
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		pb, eb, err := buckets(tx)
		if err != nil {
			return err
		}
		if pb.Get([]byte(p.ID)) != nil {
			return domain.ErrDuplicateID
		}
		if err := pb.Put([]byte(p.ID), data); err != nil {
			return errors.Wrap(err, "save paste")
		}
		return errors.Wrap(eb.Put(expireKey(p.ExpiresAt, p.ID), []byte(p.ID)), "index expiry")
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateID) {
		return unavailable(err, "bolt insert")
	}
	return err
}
func (b *Bolt) FetchLive(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "bolt fetch")
	}
	var out *domain.Paste
	err := b.db.View(func(tx *bolt.Tx) error {
		pb, _, err := buckets(tx)
		if err != nil {
			return err
		}
		raw := pb.Get([]byte(id))
		if raw == nil {
			return domain.ErrPasteNotFound
		}
		var rec boltRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errors.Wrap(err, "unmarshal paste")
		}
		if rec.ExpiresAt <= toNanos(now) {
			return domain.ErrPasteNotFound
		}
		out = &domain.Paste{
			ID:        id,
			Content:   rec.Content,
			CreatedAt: fromNanos(rec.CreatedAt),
			ExpiresAt: fromNanos(rec.ExpiresAt),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, err
		}
		return nil, unavailable(err, "bolt fetch")
	}
	return out, nil
}

// DeleteExpiredBatch collects up to limit index keys first and deletes after
// the walk, since deleting under a live cursor can skip the next key.
func (b *Bolt) DeleteExpiredBatch(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err, "bolt delete expired")
	}
	cutoff := uint64(toNanos(now))
	var removed int
	err := b.db.Update(func(tx *bolt.Tx) error {
		pb, eb, err := buckets(tx)
		if err != nil {
			return err
		}
		var keys [][]byte
		c := eb.Cursor()
		for k, _ := c.First(); k != nil && len(keys) < limit; k, _ = c.Next() {
			if len(k) < 8 || binary.BigEndian.Uint64(k[:8]) > cutoff {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := pb.Delete(k[8:]); err != nil {
				return errors.Wrapf(err, "delete expired paste %s", k[8:])
			}
			if err := eb.Delete(k); err != nil {
				return errors.Wrap(err, "delete expiry index")
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, unavailable(err, "bolt delete expired")
	}
	return removed, nil
}
func (b *Bolt) Stats(ctx context.Context, now time.Time) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, unavailable(err, "bolt stats")
	}
	cutoff := uint64(toNanos(now))
	var st Stats
	err := b.db.View(func(tx *bolt.Tx) error {
		pb, eb, err := buckets(tx)
		if err != nil {
			return err
		}
		st.Total = int64(pb.Stats().KeyN)
		c := eb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k[:8]) > cutoff {
				break
			}
			st.Expired++
		}
		return nil
	})
	if err != nil {
		return Stats{}, unavailable(err, "bolt stats")
	}
	st.Live = st.Total - st.Expired
	return st, nil
}
func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		_, _, err := buckets(tx)
		return err
	})
}
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
func expireKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(toNanos(t)))
	copy(key[8:], id)
	return key
}
