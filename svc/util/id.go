package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	IDLength = 8
	// URL-safe base64 alphabet, the same symbols token_urlsafe style ids use.
	IDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
)

type IDGen interface {
	Generate() (string, error)
}

// NanoID draws ids uniformly from IDAlphabet using crypto/rand.
type NanoID struct {
	length int
}

func NewNanoID() *NanoID {
	return &NanoID{length: IDLength}
}
func (g *NanoID) Generate() (string, error) {
	id, err := gonanoid.Generate(IDAlphabet, g.length)
	if err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return id, nil
}

func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
