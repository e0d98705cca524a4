package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/repo"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestRecorder_fillsMetadata(t *testing.T) {
	sink := &Memory{}
	rec := NewRecorder(sink, nil)
	ctx := WithActor(context.Background(), "admin-1")

	rec.Record(ctx, model.AuditEvent{Action: ActionDriverCreated, TargetIDs: []string{"d1"}})

	events := sink.Events()
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
	assert.Equal(t, "admin-1", events[0].Actor)
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestRecorder_defaultsToSystemActor(t *testing.T) {
	sink := &Memory{}
	NewRecorder(sink, nil).Record(context.Background(), model.AuditEvent{Action: "x"})
	assert.Equal(t, SystemActor, sink.Events()[0].Actor)
}

func TestRecorder_isBestEffort(t *testing.T) {
	sink := &Memory{Err: errors.New("disk full")}
	assert.NotPanics(t, func() {
		NewRecorder(sink, nil).Record(context.Background(), model.AuditEvent{Action: "x"})
	})

	var nilRecorder *Recorder
	assert.NotPanics(t, func() {
		nilRecorder.Record(context.Background(), model.AuditEvent{Action: "x"})
	})
}

func TestStoreSink(t *testing.T) {
	r := repo.NewMemoryAuditRepo()
	rec := NewRecorder(NewStoreSink(r), nil)
	rec.Record(context.Background(), model.AuditEvent{Action: BulkAction("verify"), TargetIDs: []string{"a", "b"}, Notes: "docs ok"})

	got, err := r.ListByTarget(context.Background(), "b", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bulk.verify", got[0].Action)
	assert.Equal(t, "docs ok", got[0].Notes)
}

// ctxAuditRepo fails inserts whose context is done, as ExecContext does
type ctxAuditRepo struct {
	*repo.MemoryAuditRepo
}

func (r ctxAuditRepo) Insert(ctx context.Context, e model.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryAuditRepo.Insert(ctx, e)
}

func TestStoreSink_ignoresRequestCancellation(t *testing.T) {
	r := ctxAuditRepo{repo.NewMemoryAuditRepo()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, NewStoreSink(r).Record(ctx, model.AuditEvent{ID: uuid.New(), Action: "bulk.activate", TargetIDs: []string{"d1"}}))

	got, err := r.ListByTarget(context.Background(), "d1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestKafkaSink_publishesJSON(t *testing.T) {
	w := &captureWriter{}
	sink := &KafkaSink{writer: w}
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := sink.Record(context.Background(), model.AuditEvent{
		ID: id, Actor: "admin-1", Action: "bulk.suspend", TargetIDs: []string{"d1"}, Outcome: "succeeded=1 failed=0", CreatedAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("bulk.suspend"), w.msgs[0].Key)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &payload))
	assert.Equal(t, id.String(), payload["id"])
	assert.Equal(t, "admin-1", payload["actor"])
	assert.Equal(t, []any{"d1"}, payload["target_ids"])
}

func TestNewKafkaSink_disabledWithoutBrokers(t *testing.T) {
	sink := NewKafkaSink(nil, "driver-audit")
	assert.Nil(t, sink)
	assert.NoError(t, sink.Record(context.Background(), model.AuditEvent{}))
	assert.NoError(t, sink.Close())
}

func TestMulti_joinsErrors(t *testing.T) {
	ok := &Memory{}
	failing := &KafkaSink{writer: &captureWriter{err: errors.New("broker down")}}

	err := Multi{ok, failing, nil}.Record(context.Background(), model.AuditEvent{Action: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.Events(), 1)
}
