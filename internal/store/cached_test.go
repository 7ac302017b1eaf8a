package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"recurcal/internal/model"
)

type mockInstances struct {
	mock.Mock
}

func (m *mockInstances) Replace(ctx context.Context, eventID string, instances []model.Instance) error {
	return m.Called(ctx, eventID, instances).Error(0)
}

func (m *mockInstances) RemoveAll(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *mockInstances) ListByEvent(ctx context.Context, eventID string) ([]model.Instance, error) {
	args := m.Called(ctx, eventID)
	out, _ := args.Get(0).([]model.Instance)
	return out, args.Error(1)
}

func (m *mockInstances) ListByCalendar(ctx context.Context, calendarID string) ([]model.Instance, error) {
	args := m.Called(ctx, calendarID)
	out, _ := args.Get(0).([]model.Instance)
	return out, args.Error(1)
}

func (m *mockInstances) GetByID(ctx context.Context, id string) (model.Instance, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Instance), args.Error(1)
}

func TestCachedServesRepeatReadsFromCache(t *testing.T) {
	ctx := context.Background()
	inner := new(mockInstances)
	rows := []model.Instance{{ID: "i1", EventID: "ev-1", Start: time.Unix(0, 0)}}
	inner.On("ListByEvent", ctx, "ev-1").Return(rows, nil).Once()

	c, err := NewCached(inner, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := c.ListByEvent(ctx, "ev-1")
		require.NoError(t, err)
		assert.Equal(t, rows, got)
	}
	assert.Equal(t, 1, c.cache.Len())
	inner.AssertExpectations(t)
}

func TestCachedInvalidatesOnWrites(t *testing.T) {
	ctx := context.Background()
	inner := new(mockInstances)
	first := []model.Instance{{ID: "old", EventID: "ev-1"}}
	second := []model.Instance{{ID: "new", EventID: "ev-1"}}

	inner.On("ListByEvent", ctx, "ev-1").Return(first, nil).Once()
	inner.On("Replace", ctx, "ev-1", second).Return(nil).Once()
	inner.On("ListByEvent", ctx, "ev-1").Return(second, nil).Once()
	inner.On("RemoveAll", ctx, "ev-1").Return(nil).Once()
	inner.On("ListByEvent", ctx, "ev-1").Return([]model.Instance{}, nil).Once()

	c, err := NewCached(inner, 8)
	require.NoError(t, err)

	got, _ := c.ListByEvent(ctx, "ev-1")
	assert.Equal(t, "old", got[0].ID)

	require.NoError(t, c.Replace(ctx, "ev-1", second))
	got, _ = c.ListByEvent(ctx, "ev-1")
	assert.Equal(t, "new", got[0].ID)

	require.NoError(t, c.RemoveAll(ctx, "ev-1"))
	got, _ = c.ListByEvent(ctx, "ev-1")
	assert.Empty(t, got)

	inner.AssertExpectations(t)
}

func TestCachedInvalidatesEvenWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	inner := new(mockInstances)
	inner.On("ListByEvent", ctx, "ev-1").Return([]model.Instance{{ID: "a"}}, nil).Twice()
	inner.On("Replace", ctx, "ev-1", mock.Anything).Return(errors.New("disk full")).Once()

	c, err := NewCached(inner, 8)
	require.NoError(t, err)

	_, _ = c.ListByEvent(ctx, "ev-1")
	assert.Error(t, c.Replace(ctx, "ev-1", nil))
	_, _ = c.ListByEvent(ctx, "ev-1")

	inner.AssertExpectations(t)
}

func TestCachedDoesNotCacheErrorsOrOtherReads(t *testing.T) {
	ctx := context.Background()
	inner := new(mockInstances)
	inner.On("ListByEvent", ctx, "ev-1").Return(nil, errors.New("timeout")).Once()
	inner.On("ListByCalendar", ctx, "cal-1").Return([]model.Instance{}, nil).Twice()
	inner.On("GetByID", ctx, "i1").Return(model.Instance{}, &InstanceNotFoundError{ID: "i1"}).Once()

	c, err := NewCached(inner, 8)
	require.NoError(t, err)

	_, err = c.ListByEvent(ctx, "ev-1")
	assert.Error(t, err)
	assert.Equal(t, 0, c.cache.Len())

	_, _ = c.ListByCalendar(ctx, "cal-1")
	_, _ = c.ListByCalendar(ctx, "cal-1")

	_, err = c.GetByID(ctx, "i1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	inner.AssertExpectations(t)
}
