package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loraframe/studio/internal/cast"
	"loraframe/studio/internal/config"
	"loraframe/studio/internal/editor"
	"loraframe/studio/internal/events"
	"loraframe/studio/internal/job"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/provider/providertest"
	"loraframe/studio/internal/store"
	"loraframe/studio/internal/telemetry"
)

type testEnv struct {
	fake   *providertest.Server
	store  *store.MemoryStore
	hub    *events.Hub
	server *Server
	router *gin.Engine
	runner *fakeRunner
}

type fakeRunner struct {
	calls int
}

func (r *fakeRunner) Run(_ context.Context, args []string) error {
	r.calls++
	return os.WriteFile(args[len(args)-1], []byte("rendered"), 0o600)
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake := providertest.New(t)
	client, err := provider.NewClient(fake.URL, 5*time.Second, nil)
	require.NoError(t, err)

	st := store.NewMemoryStore(0)
	hub := events.NewHub(0)
	metrics := telemetry.NewMetrics()
	breakers := provider.NewBreakers(3, time.Minute, nil)
	poller := job.NewPoller(client, config.PollConfig{Interval: 50 * time.Millisecond, MaxAttempts: 20}, metrics, nil)
	jobs := job.NewService(client, poller, st, hub, breakers, metrics, nil)
	castSvc := cast.NewService(client, st, hub, breakers, metrics, nil)
	runner := &fakeRunner{}
	ed := editor.New(client, runner, config.EditorConfig{WorkDir: t.TempDir()}, metrics, nil)

	s := NewServer(st, jobs, castSvc, client, ed, hub, metrics, nil, Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return &testEnv{fake: fake, store: st, hub: hub, server: s, router: s.Router(), runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	TraceID string          `json:"trace_id"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if into != nil && env.Data != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
}

func (e *testEnv) selectMaya(t *testing.T) {
	t.Helper()
	e.fake.AddCharacter(model.Character{ID: "c1", Name: "Maya", BaseImageURL: "/media/pose.png"})
	rec := e.do(t, http.MethodPost, "/api/v1/studio/characters/c1/select", nil)
	if rec.Code == http.StatusNotFound {
		// cache is empty until the roster is listed once
		require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/studio/characters", nil).Code)
		rec = e.do(t, http.MethodPost, "/api/v1/studio/characters/c1/select", nil)
	}
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthzHasTraceID(t *testing.T) {
	env := setupTestRouter(t)
	rec := env.do(t, http.MethodGet, "/api/v1/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec, nil)
	assert.NotEmpty(t, body.TraceID)
	assert.Equal(t, body.TraceID, rec.Header().Get("X-Trace-Id"))
}

func TestGenerateWaitAddsScene(t *testing.T) {
	env := setupTestRouter(t)
	env.selectMaya(t)
	env.fake.ScriptJob(providertest.Pending(), providertest.Succeed("/media/out.png"))

	rec := env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"prompt": "Maya in rain", "wait": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var scene model.Scene
	decode(t, rec, &scene)
	assert.Equal(t, env.fake.URL+"/media/out.png", scene.MediaURL)
	assert.Equal(t, "Maya", scene.IdentityUsed)

	rec = env.do(t, http.MethodGet, "/api/v1/studio/timeline", nil)
	var timeline struct {
		Items []model.Scene `json:"items"`
		Total int           `json:"total"`
	}
	decode(t, rec, &timeline)
	require.Equal(t, 1, timeline.Total)
	assert.Equal(t, scene.ID, timeline.Items[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/studio/logs?limit=1", nil)
	var logs struct {
		Lines []string `json:"lines"`
	}
	decode(t, rec, &logs)
	require.Len(t, logs.Lines, 1)
	assert.Contains(t, logs.Lines[0], "✨ Storyboard generated successfully!")
}

func TestGenerateInBackground(t *testing.T) {
	env := setupTestRouter(t)
	env.selectMaya(t)

	rec := env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"prompt": "Maya walking", "mode": "video"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted struct {
		RequestID   string `json:"request_id"`
		CharacterID string `json:"character_id"`
		Mode        string `json:"mode"`
	}
	decode(t, rec, &accepted)
	assert.NotEmpty(t, accepted.RequestID)
	assert.Equal(t, "c1", accepted.CharacterID)
	assert.Equal(t, "video", accepted.Mode)

	require.Eventually(t, func() bool { return env.store.SceneCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	scene := env.store.Scenes()[0]
	assert.Equal(t, model.SceneVideo, scene.Kind)
	assert.True(t, strings.HasPrefix(scene.ID, "vid-"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, env.server.Shutdown(ctx))
}

func TestGenerateJobFailedMessage(t *testing.T) {
	env := setupTestRouter(t)
	env.selectMaya(t)
	env.fake.ScriptJob(providertest.Failed("GPU out of memory"))

	rec := env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"prompt": "p", "wait": true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec, nil)
	require.NotNil(t, body.Error)
	assert.Equal(t, "JOB_FAILED", body.Error.Code)
	assert.Equal(t, "GPU out of memory", body.Error.Message)
	assert.Zero(t, env.store.SceneCount())
}

func TestGenerateValidation(t *testing.T) {
	env := setupTestRouter(t)

	rec := env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"prompt": "Maya in rain"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_CHARACTER", decode(t, rec, nil).Error.Code)

	env.selectMaya(t)
	rec = env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"prompt": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EMPTY_PROMPT", decode(t, rec, nil).Error.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"prompt": "p", "mode": "gif"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_MODE", decode(t, rec, nil).Error.Code)

	assert.Zero(t, env.fake.Calls(providertest.OpGenerate))
}

func TestRemoveSceneByJobID(t *testing.T) {
	env := setupTestRouter(t)
	env.store.PrependScene(model.Scene{ID: "vid-1", JobID: "job-9", Kind: model.SceneVideo})
	env.store.PrependScene(model.Scene{ID: "img-2", JobID: "job-2", Kind: model.SceneImage})

	rec := env.do(t, http.MethodDelete, "/api/v1/studio/timeline/job-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var removed struct {
		Removed int `json:"removed"`
		Total   int `json:"total"`
	}
	decode(t, rec, &removed)
	assert.Equal(t, 1, removed.Removed)
	assert.Equal(t, 1, removed.Total)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/v1/studio/timeline/job-9", nil).Code)
}

func TestCharactersAndState(t *testing.T) {
	env := setupTestRouter(t)
	env.fake.AddCharacter(model.Character{ID: "c1", Name: "Maya"})
	env.fake.AddCharacter(model.Character{ID: "c2", Name: "Ravi"})

	rec := env.do(t, http.MethodGet, "/api/v1/studio/characters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []model.Character `json:"items"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Items, 2)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/studio/characters/nobody/select", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/studio/characters/c2/select", nil).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/studio/state", nil)
	var state struct {
		Generating          bool   `json:"generating"`
		SelectedCharacterID string `json:"selected_character_id"`
		DefaultMode         string `json:"default_mode"`
	}
	decode(t, rec, &state)
	assert.False(t, state.Generating)
	assert.Equal(t, "c2", state.SelectedCharacterID)
	assert.Equal(t, "image", state.DefaultMode)
}

func TestCharactersUpstreamFailure(t *testing.T) {
	env := setupTestRouter(t)
	env.fake.Fail(providertest.OpListCharacters, http.StatusInternalServerError)

	rec := env.do(t, http.MethodGet, "/api/v1/studio/characters", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "CAST_UNAVAILABLE", decode(t, rec, nil).Error.Code)
}

func TestCreateCharacterMultipart(t *testing.T) {
	env := setupTestRouter(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "Maya"))
	fw, err := mw.CreateFormFile("files", "face.png")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("png"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/studio/characters", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := env.fake.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "Maya", created[0].Name)
	assert.Equal(t, "N/A", created[0].Description)
}

func TestMemoryEndpoints(t *testing.T) {
	env := setupTestRouter(t)
	env.fake.AddCharacter(model.Character{ID: "c1", Name: "Maya"})
	env.fake.SetMemoryStatus("c1", model.MemoryStatus{HealthScore: 42, HealthStatus: "DEGRADED"})
	env.fake.SetHistory("c1", []model.EpisodicState{
		{ID: "m1", CharacterID: "c1", Notes: "rain", Tags: model.Tags{"wet"}},
		{ID: "m2", CharacterID: "c1", Notes: "sun"},
	})

	rec := env.do(t, http.MethodGet, "/api/v1/studio/characters/c1/memory-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st model.MemoryStatus
	decode(t, rec, &st)
	assert.Equal(t, "DEGRADED", st.HealthStatus)

	rec = env.do(t, http.MethodGet, "/api/v1/studio/characters/c1/history", nil)
	var hist struct {
		Total int `json:"total"`
	}
	decode(t, rec, &hist)
	assert.Equal(t, 2, hist.Total)

	rec = env.do(t, http.MethodPatch, "/api/v1/studio/memories/m1", map[string]any{"character_id": "c1", "notes": "storm", "tags": "wet, night"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var edited struct {
		Items []model.EpisodicState `json:"items"`
	}
	decode(t, rec, &edited)
	require.NotEmpty(t, edited.Items)
	assert.Equal(t, "storm", edited.Items[0].Notes)
	assert.Equal(t, model.Tags{"wet", "night"}, edited.Items[0].Tags)

	rec = env.do(t, http.MethodDelete, "/api/v1/studio/memories/m2?character_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.store.History("c1"), 1)

	env.fake.Fail(providertest.OpMemoryStatus, http.StatusInternalServerError)
	rec = env.do(t, http.MethodGet, "/api/v1/studio/characters/c1/memory-status?force=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode(t, rec, nil).Error.Retryable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestRouter(t)
	env.do(t, http.MethodGet, "/api/v1/healthz", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loraframe_http_requests_total")
}

func TestStudioEventsReplaysBacklog(t *testing.T) {
	env := setupTestRouter(t)
	env.hub.Publish(model.EventLog, map[string]any{"message": "one"})
	env.hub.Publish(model.EventLog, map[string]any{"message": "two"})
	env.hub.Publish(model.EventLog, map[string]any{"message": "three"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/studio/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.NotContains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3\n")
	assert.Contains(t, body, "event: log\n")
	assert.Contains(t, body, `"three"`)
}

func TestEditSceneExports(t *testing.T) {
	env := setupTestRouter(t)
	env.fake.AddMedia("/media/out.png", []byte("\x89PNG\r\n\x1a\n...."))
	env.store.PrependScene(model.Scene{ID: "s1", JobID: "s1", MediaURL: env.fake.URL + "/media/out.png", Kind: model.SceneImage})

	rec := env.do(t, http.MethodPost, "/api/v1/studio/timeline/s1/edit", map[string]any{
		"filters":  map[string]any{"brightness": 1.1, "contrast": 1.2, "saturation": 0},
		"rotation": 90,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rendered", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "pro_image.png")
	assert.Equal(t, 1, env.runner.calls)

	rec = env.do(t, http.MethodPost, "/api/v1/studio/timeline/s1/edit", map[string]any{"rotation": 45})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_EDIT", decode(t, rec, nil).Error.Code)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/studio/timeline/missing/edit", nil).Code)
}

func TestShutdownEndsOpenEventStreams(t *testing.T) {
	env := setupTestRouter(t)
	hs := env.server.HTTPServer("127.0.0.1:0")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- hs.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/studio/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, hs.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, <-served, http.ErrServerClosed)

	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func TestDownloadSceneMedia(t *testing.T) {
	env := setupTestRouter(t)
	png := []byte("\x89PNG\r\n\x1a\n....")
	env.fake.AddMedia("/media/out.png", png)
	env.store.PrependScene(model.Scene{ID: "s1", JobID: "s1", MediaURL: env.fake.URL + "/media/out.png", Kind: model.SceneImage})
	env.store.PrependScene(model.Scene{ID: "vid-2", JobID: "j2", MediaURL: env.fake.URL + "/media/gone.mp4", Kind: model.SceneVideo})

	rec := env.do(t, http.MethodGet, "/api/v1/studio/timeline/s1/media", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, png, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=loraframe_s1.png", rec.Header().Get("Content-Disposition"))
	assert.Zero(t, env.runner.calls)

	rec = env.do(t, http.MethodGet, "/api/v1/studio/timeline/vid-2/media", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rec, nil).Error.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/studio/timeline/missing/media", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SCENE_NOT_FOUND", decode(t, rec, nil).Error.Code)
}

func TestSceneFilename(t *testing.T) {
	assert.Equal(t, "loraframe_a.mp4", sceneFilename(model.Scene{ID: "a", MediaURL: "http://x/media/out.MP4?sig=1"}))
	assert.Equal(t, "loraframe_b.mp4", sceneFilename(model.Scene{ID: "b", MediaURL: "http://x/media/out", Kind: model.SceneVideo}))
	assert.Equal(t, "loraframe_c.png", sceneFilename(model.Scene{ID: "c", MediaURL: "http://x/media/out.webp"}))
}

func TestGenerateCastUnavailable(t *testing.T) {
	env := setupTestRouter(t)
	env.fake.Fail(providertest.OpListCharacters, http.StatusInternalServerError)

	rec := env.do(t, http.MethodPost, "/api/v1/studio/generate", map[string]any{"character_id": "c9", "prompt": "p", "wait": true})
	assert.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())
	apiErr := decode(t, rec, nil).Error
	require.NotNil(t, apiErr)
	assert.Equal(t, "CAST_UNAVAILABLE", apiErr.Code)
	assert.True(t, apiErr.Retryable)
}
