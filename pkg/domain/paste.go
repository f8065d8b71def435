package domain

import (
	"time"
)

type Paste struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the paste is readable at now. Expiry is never stored.
func (p *Paste) Live(now time.Time) bool {
	return p.ExpiresAt.After(now)
}

// Valid checks the creation invariant expires_at > created_at.
func (p *Paste) Valid() bool {
	return p.ExpiresAt.After(p.CreatedAt)
}

func (p *Paste) Clone() *Paste {
	cp := *p
	return &cp
}
