// Package auth validates the join token a peer presents in its hello.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a join token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token rejects all.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" || !equal(s.Token, token) {
		return ErrUnauthorized
	}
	return nil
}

// Tokens accepts any of several tokens, so a relay can rotate join tokens
// without dropping peers that still hold the old one.
type Tokens []string

func (ts Tokens) Validate(token string) error {
	ok := false
	for _, t := range ts {
		// no early return: timing must not reveal which entry matched
		if t != "" && equal(t, token) {
			ok = true
		}
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Open accepts every token. Relays without a configured token use it.
type Open struct{}

func (Open) Validate(string) error { return nil }

// FromTokens picks the validator for a configured token list: Open when the
// list is blank, StaticToken for one token, Tokens otherwise.
func FromTokens(tokens []string) Validator {
	clean := make(Tokens, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	switch len(clean) {
	case 0:
		return Open{}
	case 1:
		return StaticToken{Token: clean[0]}
	default:
		return clean
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
