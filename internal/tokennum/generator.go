package tokennum

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	defaultPrefix   = "TKN"
	defaultAttempts = 5
	suffixMin       = 100000
	suffixSpan      = 900000
)

// ErrExhausted means no free token number was found within the attempt
// bound. Callers surface it as a service-level failure, not a validation one.
var ErrExhausted = errors.New("token number space exhausted")

// Exists answers whether a candidate number is already taken.
type Exists func(ctx context.Context, number string) (bool, error)

// Generator produces human-presentable token numbers of the form
// <prefix><yyyyMMdd><6 random digits>. Uniqueness here is advisory: the
// store's unique index still rejects the losing side of a check/insert race.
type Generator struct {
	prefix   string
	attempts int
	now      func() time.Time
	intN     func(n int) int
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithRand(intN func(n int) int) Option {
	return func(g *Generator) { g.intN = intN }
}

func New(prefix string, attempts int, opts ...Option) *Generator {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	g := &Generator{
		prefix:   prefix,
		attempts: attempts,
		now:      time.Now,
		intN:     rand.IntN,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a number not taken at check time, retrying with a fresh
// random suffix up to the attempt bound.
func (g *Generator) Generate(ctx context.Context, taken Exists) (string, error) {
	datePart := g.now().UTC().Format("20060102")
	for attempt := 0; attempt < g.attempts; attempt++ {
		number := fmt.Sprintf("%s%s%d", g.prefix, datePart, suffixMin+g.intN(suffixSpan))
		used, err := taken(ctx, number)
		if err != nil {
			return "", err
		}
		if !used {
			return number, nil
		}
	}
	return "", ErrExhausted
}
