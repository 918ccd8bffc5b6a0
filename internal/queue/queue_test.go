package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/liftsync/liftsync/internal/syncop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("op-%03d", s.next), nil
}

func (s *sequentialIDs) NewIdempotencyKey() (string, error) {
	s.next++
	return fmt.Sprintf("key-%03d", s.next), nil
}

func openTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Operation{}))
	return db
}

func newTestQueue(t *testing.T, now *time.Time) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := New(Config{
		Database:   openTestDB(t, path),
		Clock:      func() time.Time { return *now },
		IDProvider: &sequentialIDs{},
	})
	require.NoError(t, err)
	return q, path
}

func payload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"title":"Leg Day"}`, id))
}

func TestEnqueueAssignsKeyAndTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)

	operation, err := q.Enqueue(context.Background(), "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload("w1"))
	require.NoError(t, err)
	assert.NotEmpty(t, operation.ID)
	assert.NotEmpty(t, operation.IdempotencyKey)
	assert.NotEqual(t, operation.ID, operation.IdempotencyKey)
	assert.Equal(t, int64(1700000000000), operation.TimestampMs)
}

func TestEnqueueKeepsTimestampsStrictlyIncreasing(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)
	ctx := context.Background()

	var timestamps []int64
	for index := 0; index < 3; index++ {
		operation, err := q.Enqueue(ctx, "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload(fmt.Sprintf("w%d", index)))
		require.NoError(t, err)
		timestamps = append(timestamps, operation.TimestampMs)
	}
	assert.Equal(t, []int64{1700000000000, 1700000000001, 1700000000002}, timestamps)

	now = time.UnixMilli(1699999999000)
	operation, err := q.Enqueue(ctx, "user-1", syncop.TableWorkouts, syncop.ActionDelete, payload("w0"))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000003), operation.TimestampMs, "a clock going backwards must not reorder the queue")

	other, err := q.Enqueue(ctx, "user-2", syncop.TableWorkouts, syncop.ActionUpsert, payload("w9"))
	require.NoError(t, err)
	assert.Equal(t, int64(1699999999000), other.TimestampMs, "timestamps are per user")
}

func TestListReturnsUserOperationsInOrder(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)
	ctx := context.Background()

	for index := 0; index < 3; index++ {
		_, err := q.Enqueue(ctx, "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload(fmt.Sprintf("w%d", index)))
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "user-2", syncop.TableExerciseDefs, syncop.ActionUpsert, payload(fmt.Sprintf("e%d", index)))
		require.NoError(t, err)
	}

	operations, err := q.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, operations, 3)
	for index, operation := range operations {
		assert.Equal(t, "user-1", operation.UserID)
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(operation.Payload, &decoded))
		assert.Equal(t, fmt.Sprintf("w%d", index), decoded["id"])
	}

	count, err := q.Count(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRemoveDeletesOnlyTarget(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload("w1"))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload("w2"))
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, first.ID))
	require.NoError(t, q.Remove(ctx, first.ID), "removing twice is harmless")

	operations, err := q.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, operations, 1)
	assert.Equal(t, second.ID, operations[0].ID)
}

func TestEnqueueWithKeyPreservesKey(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)

	operation, err := q.EnqueueWithKey(context.Background(), "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload("w1"), "direct-key")
	require.NoError(t, err)
	assert.Equal(t, "direct-key", operation.IdempotencyKey)
}

func TestEnqueueRejectsMalformedPayload(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)

	_, err := q.Enqueue(context.Background(), "user-1", syncop.TableWorkouts, syncop.ActionUpsert, json.RawMessage(`[1,2]`))
	assert.True(t, errors.Is(err, syncop.ErrInvalidPayload), "got %v", err)

	count, err := q.Count(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestQueueSurvivesReopen(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, path := newTestQueue(t, &now)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, "user-1", syncop.TableWorkoutTemplates, syncop.ActionUpsert, payload("t1"))
	require.NoError(t, err)

	reopened, err := New(Config{Database: openTestDB(t, path)})
	require.NoError(t, err)
	operations, err := reopened.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, operations, 1)
	assert.Equal(t, enqueued.IdempotencyKey, operations[0].IdempotencyKey)
	assert.Equal(t, syncop.TableWorkoutTemplates, operations[0].Table)
}

func TestStorageFailuresAreSurfaced(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	q, _ := newTestQueue(t, &now)
	sqlDB, err := q.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = q.Enqueue(context.Background(), "user-1", syncop.TableWorkouts, syncop.ActionUpsert, payload("w1"))
	assert.ErrorIs(t, err, ErrStorageFailure)

	_, err = q.List(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrStorageFailure)
}
