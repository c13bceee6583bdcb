package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuzu/coach/internal/types"
)

func newSession(owner string, created time.Time) *types.CallSession {
	return &types.CallSession{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Persona:   "friendly_prospect",
		Status:    types.StatusActive,
		CreatedAt: created.UTC().Truncate(time.Microsecond),
	}
}

func completion() types.Completion {
	chat := "chat-1"
	return types.Completion{
		DurationSeconds: 120,
		Transcript: &types.Transcript{Messages: []types.Utterance{
			{Role: types.RoleUser, Text: "Hi, thanks for your time."},
			{Role: types.RoleAssistant, Text: "Sure, go ahead."},
		}},
		EmotionData:    &types.EmotionData{ProsodyScores: []types.ProsodyReading{{Role: types.RoleUser, Emotions: map[string]float64{"Joy": 0.4}}}},
		ExternalChatID: &chat,
		EndedAt:        time.Now(),
	}
}

// runStoreContract exercises behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))

		got, err := st.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, types.StatusActive, got.Status)
		assert.Nil(t, got.Transcript)
		assert.Nil(t, got.AnalysisResults)

		assert.ErrorIs(t, st.Create(ctx, s), ErrSessionExists)
	})

	t.Run("get missing", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create rejects unknown status", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		s.Status = "archived"
		assert.ErrorIs(t, st.Create(ctx, s), ErrInvalidStatus)
		_, err := st.Get(ctx, s.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("complete sets fields once", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))

		got, err := st.Complete(ctx, s.ID, completion())
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, got.Status)
		require.NotNil(t, got.DurationSeconds)
		assert.Equal(t, 120.0, *got.DurationSeconds)
		require.NotNil(t, got.Transcript)
		assert.Len(t, got.Transcript.Messages, 2)
		assert.NotNil(t, got.EndedAt)
		assert.Equal(t, "chat-1", *got.ExternalChatID)

		_, err = st.Complete(ctx, s.ID, completion())
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("status transitions follow table", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))

		_, err := st.SetStatus(ctx, s.ID, types.StatusAnalyzing, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = st.Complete(ctx, s.ID, completion())
		require.NoError(t, err)

		got, err := st.SetStatus(ctx, s.ID, types.StatusAnalyzing, nil)
		require.NoError(t, err)
		assert.Equal(t, types.StatusAnalyzing, got.Status)

		_, err = st.SetStatus(ctx, s.ID, types.StatusAnalyzing, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err = st.SetStatus(ctx, s.ID, types.StatusDone, types.Results{"overall_score": 80.0})
		require.NoError(t, err)
		assert.Equal(t, types.StatusDone, got.Status)
		assert.Equal(t, 80.0, got.AnalysisResults["overall_score"])

		_, err = st.SetStatus(ctx, uuid.NewString(), types.StatusDone, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("nil results keep previous value", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))
		_, err := st.Complete(ctx, s.ID, completion())
		require.NoError(t, err)
		_, err = st.SetStatus(ctx, s.ID, types.StatusError, types.Results{"error": "boom"})
		require.NoError(t, err)

		got, err := st.SetStatus(ctx, s.ID, types.StatusAnalyzing, nil)
		require.NoError(t, err)
		msg, ok := got.AnalysisResults.ErrorMessage()
		assert.True(t, ok)
		assert.Equal(t, "boom", msg)
	})

	t.Run("concurrent analyzing guard admits one", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))
		_, err := st.Complete(ctx, s.ID, completion())
		require.NoError(t, err)

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := st.SetStatus(ctx, s.ID, types.StatusAnalyzing, nil); err == nil {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, won)
	})

	t.Run("list by owner newest first", func(t *testing.T) {
		st := newStore(t)
		owner := "owner-" + uuid.NewString()
		base := time.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 3; i++ {
			s := newSession(owner, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, st.Create(ctx, s))
			ids = append(ids, s.ID)
		}
		require.NoError(t, st.Create(ctx, newSession("someone-else", time.Now())))

		list, total, err := st.ListByOwner(ctx, owner, 0, 100)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, list, 3)
		assert.Equal(t, ids[2], list[0].ID)
		assert.Equal(t, ids[0], list[2].ID)

		list, total, err = st.ListByOwner(ctx, owner, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, list, 1)
		assert.Equal(t, ids[1], list[0].ID)
	})

	t.Run("delete removes session and events", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))
		_, err := st.AppendEvent(ctx, s.ID, "created", map[string]any{"persona": s.Persona})
		require.NoError(t, err)

		require.NoError(t, st.Delete(ctx, s.ID))
		_, err = st.Get(ctx, s.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.ListEvents(ctx, s.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, st.Delete(ctx, s.ID), ErrNotFound)
	})

	t.Run("events in order", func(t *testing.T) {
		st := newStore(t)
		s := newSession("owner-a", time.Now())
		require.NoError(t, st.Create(ctx, s))
		for i := 0; i < 3; i++ {
			_, err := st.AppendEvent(ctx, s.ID, fmt.Sprintf("e%d", i), nil)
			require.NoError(t, err)
		}
		evts, err := st.ListEvents(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, evts, 3)
		assert.Equal(t, "e0", evts[0].Type)
		assert.Equal(t, "e2", evts[2].Type)

		_, err = st.AppendEvent(ctx, uuid.NewString(), "x", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemory() })
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COACH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("COACH_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		st, err := OpenPostgres(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	s := newSession("owner-a", time.Now())
	require.NoError(t, st.Create(ctx, s))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	got.Status = types.StatusDone

	again, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, again.Status)
}

func TestMemoryEventCap(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	s := newSession("owner-a", time.Now())
	require.NoError(t, st.Create(ctx, s))

	for i := 0; i < maxEvents+5; i++ {
		_, err := st.AppendEvent(ctx, s.ID, "tick", nil)
		require.NoError(t, err)
	}
	evts, err := st.ListEvents(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, evts, maxEvents)
	assert.Equal(t, "events_truncated", evts[len(evts)-1].Type)
}

func TestMemoryCompleteAlreadySet(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	s := newSession("owner-a", time.Now())
	s.Transcript = &types.Transcript{}
	require.NoError(t, st.Create(ctx, s))

	_, err := st.Complete(ctx, s.ID, completion())
	assert.True(t, errors.Is(err, ErrAlreadySet))
}

// fakeRow feeds fixed column values to scanSession.
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return fmt.Errorf("scan: %d columns, %d destinations", len(r), len(dest))
	}
	for i, v := range r {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func sessionRow(status string) fakeRow {
	return fakeRow{
		"s1", "owner-a", "friendly_prospect", sql.NullString{}, status, time.Now(),
		sql.NullTime{}, sql.NullFloat64{}, sql.NullString{}, []byte(nil), []byte(nil), []byte(nil),
	}
}

func TestScanSessionStatus(t *testing.T) {
	s, err := scanSession(sessionRow("completed"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, s.Status)

	_, err = scanSession(sessionRow("archived"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
