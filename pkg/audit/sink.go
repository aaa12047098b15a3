package audit

import (
	"context"
	"fmt"
)

// Sink receives a copy of every appended entry. Sinks are secondary
// destinations (files, archives, shipping pipelines); the Store
// remains the source of truth.
type Sink interface {
	Write(ctx context.Context, entry *Entry) error
	Close() error
}

// MultiSink fans an entry out to several sinks. A failing sink does
// not stop delivery to the others; the first error is returned after
// all writes complete.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Write delivers the entry to every sink.
func (m *MultiSink) Write(ctx context.Context, entry *Entry) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Write(ctx, entry); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink write failed: %w", err)
		}
	}
	return firstErr
}

// Close closes every sink, returning the first error.
func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
