package api_test

import (
	"context"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/store"
)

type mockService struct {
	groupFn       func(ctx context.Context, key store.Key) (*store.Group, error)
	groupsFn      func(ctx context.Context, f store.Filter) ([]*store.Group, error)
	recordsFn     func(ctx context.Context, f store.RecordFilter) ([]event.Record, error)
	quarantinedFn func(ctx context.Context, limit int) ([]event.QuarantinedMessage, error)
	acknowledgeFn func(ctx context.Context, key store.Key, generation int64) (bool, error)
}

func (m *mockService) Group(ctx context.Context, key store.Key) (*store.Group, error) {
	if m.groupFn != nil {
		return m.groupFn(ctx, key)
	}
	return nil, store.ErrNotFound
}

func (m *mockService) Groups(ctx context.Context, f store.Filter) ([]*store.Group, error) {
	if m.groupsFn != nil {
		return m.groupsFn(ctx, f)
	}
	return nil, nil
}

func (m *mockService) Records(ctx context.Context, f store.RecordFilter) ([]event.Record, error) {
	if m.recordsFn != nil {
		return m.recordsFn(ctx, f)
	}
	return nil, nil
}

func (m *mockService) Quarantined(ctx context.Context, limit int) ([]event.QuarantinedMessage, error) {
	if m.quarantinedFn != nil {
		return m.quarantinedFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockService) Acknowledge(ctx context.Context, key store.Key, generation int64) (bool, error) {
	if m.acknowledgeFn != nil {
		return m.acknowledgeFn(ctx, key, generation)
	}
	return false, nil
}
