// Package observability provides unified observability functionality for FeatureHub.
package observability

import "context"

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

// End is a no-op implementation
func (s *NoopSpan) End() {}

// SetAttribute is a no-op implementation
func (s *NoopSpan) SetAttribute(key string, value interface{}) {}

// AddEvent is a no-op implementation
func (s *NoopSpan) AddEvent(name string, attributes map[string]interface{}) {}

// RecordError is a no-op implementation
func (s *NoopSpan) RecordError(err error) {}

// SetStatus is a no-op implementation
func (s *NoopSpan) SetStatus(code int, description string) {}

// NoopStartSpan is a no-op implementation of StartSpanFunc, used when
// tracing is disabled by configuration.
func NoopStartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoopSpan{}
}
