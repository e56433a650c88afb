// Package ai defines the generative text service used by the pipeline phases.
package ai

import (
	"context"
	"errors"
	"iter"

	"golang.org/x/sync/semaphore"
)

// ErrEmptyResponse is returned when the model produced no usable text.
var ErrEmptyResponse = errors.New("model returned empty response")

// Generator produces text for a prompt. Implementations normalize provider
// response shapes into plain text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateStream yields text chunks in order. A non-nil error ends the sequence.
	GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Limited bounds the number of in-flight generation calls across every request
// that shares it.
type Limited struct {
	next Generator
	sem  *semaphore.Weighted
}

func NewLimited(next Generator, maxConcurrent int64) *Limited {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(maxConcurrent)}
}

func (l *Limited) Generate(ctx context.Context, prompt string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)

	return l.next.Generate(ctx, prompt)
}

// GenerateStream holds a slot for the whole lifetime of the stream.
func (l *Limited) GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			yield("", err)
			return
		}
		defer l.sem.Release(1)

		for chunk, err := range l.next.GenerateStream(ctx, prompt) {
			if !yield(chunk, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}
