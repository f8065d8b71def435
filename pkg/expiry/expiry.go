// Package expiry maps symbolic time-to-live keys to absolute expiration times.
//
// Unknown keys are not an error: they resolve with the policy's default
// duration so that malformed clients still get a paste.
package expiry

import (
	"fmt"
	"time"
)

const (
	Key10Min   = "10min"
	Key1Hour   = "1hour"
	Key1Day    = "1day"
	Key1Week   = "1week"
	Key1Month  = "1month"
	KeyNever   = "never"
	DefaultKey = Key1Day
)

type Choice struct {
	Key      string        `json:"key"`
	Label    string        `json:"label"`
	Duration time.Duration `json:"-"`
}

var choices = []Choice{
	{Key: Key10Min, Label: "10 Minutes", Duration: 10 * time.Minute},
	{Key: Key1Hour, Label: "1 Hour", Duration: time.Hour},
	{Key: Key1Day, Label: "1 Day", Duration: 24 * time.Hour},
	{Key: Key1Week, Label: "1 Week", Duration: 7 * 24 * time.Hour},
	{Key: Key1Month, Label: "1 Month", Duration: 30 * 24 * time.Hour},
	{Key: KeyNever, Label: "Never (100 years)", Duration: 365 * 100 * 24 * time.Hour},
}

type Policy struct {
	durations  map[string]time.Duration
	defaultKey string
}

// New returns a Policy whose fallback is defaultKey. An empty defaultKey means 1day.
func New(defaultKey string) (*Policy, error) {
	if defaultKey == "" {
		defaultKey = DefaultKey
	}
	p := &Policy{
		durations:  make(map[string]time.Duration, len(choices)),
		defaultKey: defaultKey,
	}
	for _, c := range choices {
		p.durations[c.Key] = c.Duration
	}
	if _, ok := p.durations[defaultKey]; !ok {
		return nil, fmt.Errorf("unknown default expiry key %q", defaultKey)
	}
	return p, nil
}

// Default is the policy with the standard 1day fallback.
func Default() *Policy {
	p, _ := New(DefaultKey)
	return p
}

func (p *Policy) Valid(key string) bool {
	_, ok := p.durations[key]
	return ok
}

// Normalize returns the key that Resolve will actually apply.
func (p *Policy) Normalize(key string) string {
	if p.Valid(key) {
		return key
	}
	return p.defaultKey
}

func (p *Policy) Duration(key string) time.Duration {
	return p.durations[p.Normalize(key)]
}

// Resolve returns now plus the duration for key. The result is always after now.
func (p *Policy) Resolve(key string, now time.Time) time.Time {
	return now.Add(p.Duration(key))
}

func (p *Policy) DefaultKey() string {
	return p.defaultKey
}

func (p *Policy) Choices() []Choice {
	out := make([]Choice, len(choices))
	copy(out, choices)
	return out
}
