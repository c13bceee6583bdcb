package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"

	"yuzu/coach/internal/auth"
	"yuzu/coach/internal/coaching"
	"yuzu/coach/internal/health"
	"yuzu/coach/internal/hume"
	"yuzu/coach/internal/jobs"
	"yuzu/coach/internal/logging"
	"yuzu/coach/internal/store"
	"yuzu/coach/internal/types"
	"yuzu/coach/internal/watch"
)

const testSecret = "test-secret"

type mockDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (m *mockDispatcher) Enqueue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.ids = append(m.ids, id)
	return nil
}

type mockHume struct {
	tok hume.Token
	err error
}

func (m *mockHume) Token(context.Context) (hume.Token, error) { return m.tok, m.err }

type testEnv struct {
	srv    *httptest.Server
	store  *store.Memory
	jobs   jobs.Dispatcher
	hume   *mockHume
	issuer *auth.Issuer
}

func newEnv(t *testing.T, d jobs.Dispatcher) *testEnv {
	t.Helper()
	if d == nil {
		d = &mockDispatcher{}
	}
	st := store.NewMemory()
	log := logging.Discard()
	hm := &mockHume{tok: hume.Token{AccessToken: "evi-token", ExpiresIn: 600, ConfigID: "cfg"}}
	issuer := auth.NewIssuer(testSecret, "coach", time.Hour)
	h := NewHandlers(Options{
		Store:   st,
		Jobs:    d,
		Hume:    hm,
		Watch:   watch.NewServer(st, watch.NewRegistry(), log, 5*time.Millisecond),
		Tickets: issuer,
		Log:     log,
	})
	ready := func(ctx context.Context) health.HealthStatus {
		return health.CheckAll(ctx, time.Second, health.Ping("store", st.Ping))
	}
	srv := httptest.NewServer(NewRouter(h, issuer, ready))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, jobs: d, hume: hm, issuer: issuer}
}

func (e *testEnv) token(t *testing.T, user string, superuser bool) string {
	t.Helper()
	tok, err := e.issuer.Issue(user, superuser)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) create(t *testing.T, token, persona string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/calls", token, map[string]any{"persona": persona})
	require.Equal(t, http.StatusOK, code, body)
	return body["id"].(string)
}

func twoMessageCompletion() map[string]any {
	return map[string]any{
		"duration_seconds": 120.0,
		"transcript": map[string]any{"messages": []map[string]any{
			{"role": "user", "text": "Hi, I wanted to walk you through our platform."},
			{"role": "assistant", "text": "Sure, what does it do?"},
		}},
		"emotion_data": map[string]any{"prosody_scores": []map[string]any{}},
		"hume_chat_id": "chat-1",
	}
}

func TestRequiresAuth(t *testing.T) {
	env := newEnv(t, nil)
	for _, p := range []string{"/calls", "/calls/personas", "/calls/abc", "/hume/token"} {
		code, body := env.do(t, http.MethodGet, p, "", nil)
		assert.Equal(t, http.StatusUnauthorized, code, p)
		assert.Equal(t, "Could not validate credentials", body["detail"])
	}
	code, _ := env.do(t, http.MethodGet, "/calls", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateCompleteReportNotReady(t *testing.T) {
	env := newEnv(t, nil)
	tok := env.token(t, "user-1", false)

	code, body := env.do(t, http.MethodPost, "/calls", tok, map[string]any{"persona": "friendly_prospect"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "user-1", body["owner_id"])
	id := body["id"].(string)

	code, body = env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, twoMessageCompletion())
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, 120.0, body["duration_seconds"])
	assert.Equal(t, "chat-1", body["hume_chat_id"])
	assert.NotNil(t, body["ended_at"])

	code, body = env.do(t, http.MethodGet, "/calls/"+id+"/report", tok, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Analysis in progress", body["detail"])

	code, _ = env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, twoMessageCompletion())
	assert.Equal(t, http.StatusConflict, code)
}

func TestCreateValidation(t *testing.T) {
	env := newEnv(t, nil)
	tok := env.token(t, "user-1", false)

	code, _ := env.do(t, http.MethodPost, "/calls", tok, map[string]any{"persona": "pirate"})
	assert.Equal(t, http.StatusBadRequest, code)

	id := env.create(t, tok, "busy_executive")
	code, body := env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, map[string]any{"duration_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "non-negative")

	code, _ = env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestNotFoundVersusForbidden(t *testing.T) {
	env := newEnv(t, nil)
	owner := env.token(t, "owner", false)
	other := env.token(t, "other", false)
	admin := env.token(t, "admin", true)
	id := env.create(t, owner, "skeptical_buyer")

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/calls/%s"},
		{http.MethodPost, "/calls/%s/complete"},
		{http.MethodPost, "/calls/%s/analyze"},
		{http.MethodGet, "/calls/%s/report"},
		{http.MethodGet, "/calls/%s/events"},
		{http.MethodDelete, "/calls/%s"},
	} {
		code, body := env.do(t, tc.method, strings.Replace(tc.path, "%s", "missing-id", 1), owner, twoMessageCompletion())
		assert.Equal(t, http.StatusNotFound, code, tc.path)
		assert.Equal(t, "Call session not found", body["detail"])

		code, body = env.do(t, tc.method, strings.Replace(tc.path, "%s", id, 1), other, twoMessageCompletion())
		assert.Equal(t, http.StatusForbidden, code, tc.path)
		assert.Equal(t, "Not enough permissions", body["detail"])
	}

	code, _ := env.do(t, http.MethodGet, "/calls/"+id, admin, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/calls/"+id+"/complete", admin, twoMessageCompletion())
	assert.Equal(t, http.StatusForbidden, code)

	code, body := env.do(t, http.MethodDelete, "/calls/"+id, admin, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Call session deleted successfully", body["message"])
	code, _ = env.do(t, http.MethodGet, "/calls/"+id, owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAnalyzePreconditions(t *testing.T) {
	d := &mockDispatcher{}
	env := newEnv(t, d)
	tok := env.token(t, "user-1", false)
	id := env.create(t, tok, "friendly_prospect")

	code, body := env.do(t, http.MethodPost, "/calls/"+id+"/analyze", tok, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Call must be completed before analysis. Current status: active", body["detail"])
	assert.Empty(t, d.ids)

	code, _ = env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, twoMessageCompletion())
	require.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodPost, "/calls/"+id+"/analyze", tok, nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "Analysis started", body["message"])
	assert.Equal(t, []string{id}, d.ids)

	d.err = jobs.ErrAlreadyQueued
	code, body = env.do(t, http.MethodPost, "/calls/"+id+"/analyze", tok, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Analysis already in progress", body["detail"])

	evs, err := env.store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	var typs []string
	for _, e := range evs {
		typs = append(typs, e.Type)
	}
	assert.Equal(t, []string{"session_created", "call_completed", "analysis_queued"}, typs)
}

func TestReportStates(t *testing.T) {
	env := newEnv(t, nil)
	tok := env.token(t, "user-1", false)
	ctx := context.Background()
	id := env.create(t, tok, "friendly_prospect")
	code, _ := env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, twoMessageCompletion())
	require.Equal(t, http.StatusOK, code)

	_, err := env.store.SetStatus(ctx, id, types.StatusError, types.Results{"error": coaching.MsgMissingData})
	require.NoError(t, err)
	code, body := env.do(t, http.MethodGet, "/calls/"+id+"/report", tok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Missing transcript or duration data", body["detail"])

	_, err = env.store.SetStatus(ctx, id, types.StatusAnalyzing, nil)
	require.NoError(t, err)
	code, _ = env.do(t, http.MethodGet, "/calls/"+id+"/report", tok, nil)
	assert.Equal(t, http.StatusConflict, code)

	_, err = env.store.SetStatus(ctx, id, types.StatusDone, types.Results{"overall_score": 80})
	require.NoError(t, err)
	code, body = env.do(t, http.MethodGet, "/calls/"+id+"/report", tok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 80.0, body["overall_score"])
	transcript := body["transcript"].(map[string]any)
	assert.Len(t, transcript["messages"], 2)
}

func TestListPaging(t *testing.T) {
	env := newEnv(t, nil)
	tok := env.token(t, "user-1", false)
	for i := 0; i < 3; i++ {
		env.create(t, tok, "friendly_prospect")
		time.Sleep(2 * time.Millisecond)
	}
	env.create(t, env.token(t, "user-2", false), "friendly_prospect")

	code, body := env.do(t, http.MethodGet, "/calls?skip=1&limit=1", tok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.0, body["count"])
	assert.Len(t, body["data"], 1)

	code, _ = env.do(t, http.MethodGet, "/calls?limit=-1", tok, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPersonas(t *testing.T) {
	env := newEnv(t, nil)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/calls/personas", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u", false))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 3)
	for _, p := range list {
		assert.NotContains(t, p, "prompt")
	}
}

func TestHumeToken(t *testing.T) {
	env := newEnv(t, nil)
	tok := env.token(t, "u", false)

	code, body := env.do(t, http.MethodGet, "/hume/token", tok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "evi-token", body["access_token"])
	assert.Equal(t, "cfg", body["config_id"])

	env.hume.err = hume.ErrNotConfigured
	code, body = env.do(t, http.MethodGet, "/hume/token", tok, nil)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "Hume API credentials not configured", body["detail"])
}

func TestReadyz(t *testing.T) {
	env := newEnv(t, nil)
	code, body := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestWatchWithTicket(t *testing.T) {
	for _, user := range []string{"user-1", "jane.doe@example.com"} {
		t.Run(user, func(t *testing.T) {
			env := newEnv(t, nil)
			tok := env.token(t, user, false)
			id := env.create(t, tok, "friendly_prospect")

			code, body := env.do(t, http.MethodPost, "/calls/"+id+"/watch-ticket", tok, nil)
			require.Equal(t, http.StatusOK, code, body)
			ticket := body["ticket"].(string)
			assert.NotEmpty(t, body["expires_at"])

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			base := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/calls/" + id + "/watch"

			_, resp, err := ws.Dial(ctx, base+"?ticket=bogus", nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			c, _, err := ws.Dial(ctx, base+"?ticket="+ticket, nil)
			require.NoError(t, err)
			defer c.Close(ws.StatusNormalClosure, "")

			_, data, err := c.Read(ctx)
			require.NoError(t, err)
			var m watch.Message
			require.NoError(t, json.Unmarshal(data, &m))
			assert.Equal(t, types.StatusActive, m.Status)
		})
	}
}

func TestWatchTicketIsNotABearerToken(t *testing.T) {
	env := newEnv(t, nil)
	tok := env.token(t, "user-1", false)
	id := env.create(t, tok, "friendly_prospect")

	code, body := env.do(t, http.MethodPost, "/calls/"+id+"/watch-ticket", tok, nil)
	require.Equal(t, http.StatusOK, code)
	ticket := body["ticket"].(string)

	code, _ = env.do(t, http.MethodGet, "/calls/"+id, ticket, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	other := env.create(t, tok, "friendly_prospect")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/calls/" + other + "/watch?ticket=" + ticket
	_, resp, err := ws.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fixedModel struct{}

func (fixedModel) Complete(context.Context, string, string) (string, error) {
	return `{"overall_score": 72, "tone_summary": "Warm and clear."}`, nil
}

func TestAnalysisEndToEnd(t *testing.T) {
	log := logging.Discard()
	st := store.NewMemory()
	pool := jobs.NewLocalPool(coaching.NewGenerator(st, fixedModel{}, log), log, 2, 8, 10*time.Second)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	issuer := auth.NewIssuer(testSecret, "coach", time.Hour)
	h := NewHandlers(Options{Store: st, Jobs: pool, Hume: &mockHume{}, Watch: watch.NewServer(st, watch.NewRegistry(), log, 0), Tickets: issuer, Log: log})
	srv := httptest.NewServer(NewRouter(h, issuer, func(context.Context) health.HealthStatus { return health.HealthStatus{OK: true} }))
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, store: st, jobs: pool, issuer: issuer}

	tok := env.token(t, "user-1", false)
	id := env.create(t, tok, "friendly_prospect")
	code, _ := env.do(t, http.MethodPost, "/calls/"+id+"/complete", tok, twoMessageCompletion())
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/calls/"+id+"/analyze", tok, nil)
	require.Equal(t, http.StatusAccepted, code)

	var body map[string]any
	require.Eventually(t, func() bool {
		code, body = env.do(t, http.MethodGet, "/calls/"+id+"/report", tok, nil)
		return code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 72.0, body["overall_score"])
	assert.Contains(t, body, "speech_metrics")
	assert.Contains(t, body, "emotion_summary")
	assert.Contains(t, body, "transcript")
}
