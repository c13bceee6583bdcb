package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"

	"yuzu/coach/internal/logging"
	"yuzu/coach/internal/store"
	"yuzu/coach/internal/types"
)

func startServer(t *testing.T, st store.Store, reg *Registry) string {
	t.Helper()
	srv := NewServer(st, reg, logging.Discard(), 5*time.Millisecond)
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Stream(w, r, r.URL.Query().Get("id"), "user-1")
	}))
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http")
}

func readMsg(t *testing.T, ctx context.Context, c *ws.Conn) Message {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestStreamFollowsStatusUntilTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := store.NewMemory()
	require.NoError(t, st.Create(ctx, &types.CallSession{ID: "s1", OwnerID: "user-1", Persona: "friendly_prospect", Status: types.StatusActive, CreatedAt: time.Now()}))
	_, err := st.Complete(ctx, "s1", types.Completion{DurationSeconds: 60, EndedAt: time.Now()})
	require.NoError(t, err)

	reg := NewRegistry()
	c, _, err := ws.Dial(ctx, startServer(t, st, reg)+"?id=s1", nil)
	require.NoError(t, err)
	defer c.Close(ws.StatusNormalClosure, "")

	m := readMsg(t, ctx, c)
	assert.Equal(t, MsgStatus, m.Type)
	assert.Equal(t, types.StatusCompleted, m.Status)
	assert.Equal(t, int64(1), m.Seq)

	_, err = st.SetStatus(ctx, "s1", types.StatusAnalyzing, nil)
	require.NoError(t, err)
	m = readMsg(t, ctx, c)
	assert.Equal(t, types.StatusAnalyzing, m.Status)

	_, err = st.SetStatus(ctx, "s1", types.StatusError, types.Results{"error": "Analysis failed. Please try again."})
	require.NoError(t, err)
	m = readMsg(t, ctx, c)
	assert.Equal(t, types.StatusError, m.Status)
	assert.Equal(t, "Analysis failed. Please try again.", m.Error)
	assert.Equal(t, int64(3), m.Seq)

	_, _, err = c.Read(ctx)
	assert.Equal(t, ws.StatusNormalClosure, ws.CloseStatus(err))
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStreamReportsDeletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := store.NewMemory()
	require.NoError(t, st.Create(ctx, &types.CallSession{ID: "s2", OwnerID: "user-1", Persona: "busy_executive", Status: types.StatusActive, CreatedAt: time.Now()}))

	c, _, err := ws.Dial(ctx, startServer(t, st, NewRegistry())+"?id=s2", nil)
	require.NoError(t, err)
	defer c.Close(ws.StatusNormalClosure, "")

	assert.Equal(t, types.StatusActive, readMsg(t, ctx, c).Status)
	require.NoError(t, st.Delete(ctx, "s2"))
	assert.Equal(t, MsgDeleted, readMsg(t, ctx, c).Type)

	_, _, err = c.Read(ctx)
	assert.Equal(t, ws.StatusNormalClosure, ws.CloseStatus(err))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(types.StatusDone))
	assert.True(t, Terminal(types.StatusError))
	assert.False(t, Terminal(types.StatusAnalyzing))
	assert.False(t, Terminal(types.StatusActive))
}
