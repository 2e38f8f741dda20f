package usecase

import (
	"context"
	"errors"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"
)

// MultiSink fans an event out to every sink; one failing sink does not stop
// the others.
type MultiSink []ports.EventSink

func (m MultiSink) Emit(ctx context.Context, ev domain.PublicationEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiDeadLetter writes a dead letter to every sink.
type MultiDeadLetter []ports.DeadLetterSink

func (m MultiDeadLetter) DeadLetter(ctx context.Context, t domain.PublishTask, reason string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.DeadLetter(ctx, t, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, domain.PublicationEvent) error { return nil }

func (nopSink) DeadLetter(context.Context, domain.PublishTask, string) error { return nil }
