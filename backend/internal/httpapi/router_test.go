package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotLines/backend/internal/auth"
	"plotLines/backend/internal/collab"
	"plotLines/backend/internal/document"
	"plotLines/backend/internal/ot/command"
	"plotLines/backend/internal/store"
	"plotLines/backend/internal/ws"
)

type apiFixture struct {
	router http.Handler
	svc    collab.Service
	token  string
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := ws.NewHub(nil, time.Minute)
	svc := collab.NewService(store.NewMemoryStore(), hub, nil, nil, collab.ServiceOptions{})
	signer := auth.NewSigner("test")
	tok, _, err := signer.SignAccessToken(7, "mara", time.Hour)
	require.NoError(t, err)
	r := NewRouter(RouterDeps{
		Service: svc,
		WS:      ws.NewManager(hub, svc, collab.NewSemaphoreControl(0)),
		Signer:  signer,
	})
	return &apiFixture{router: r, svc: svc, token: tok}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) createDoc(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/documents", gin.H{"title": "Pilot"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID        string `json:"id"`
		OTVersion uint64 `json:"ot_version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.OTVersion)
	return resp.ID
}

func (f *apiFixture) accept(t *testing.T, id string, version uint64, text string) {
	t.Helper()
	raw, err := command.Encode(&command.InsertText{At: document.Pos{Ch: int(version)}, Text: document.PlainText(text, document.Action)})
	require.NoError(t, err)
	_, err = f.svc.AcceptSteps(context.Background(), id, version, []json.RawMessage{raw}, "client-"+text, 7)
	require.NoError(t, err)
}

func TestHealthzNeedsNoToken(t *testing.T) {
	f := newAPI(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMissingOrBadTokenIsUnauthorized(t *testing.T) {
	f := newAPI(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHENTICATED")

	f.token = "garbage"
	w = f.do(t, http.MethodGet, "/documents/x", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenFromQuery(t *testing.T) {
	f := newAPI(t)
	id := f.createDoc(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/documents/"+id+"?token="+f.token, nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStepsSinceAndHistoryTooOld(t *testing.T) {
	f := newAPI(t)
	id := f.createDoc(t)
	f.accept(t, id, 0, "a")
	f.accept(t, id, 1, "b")

	w := f.do(t, http.MethodGet, "/documents/"+id+"/steps?since=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var steps struct {
		Steps      []json.RawMessage `json:"steps"`
		OTVersions []uint64          `json:"ot_versions"`
		UserIDs    []string          `json:"userIDs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &steps))
	require.Len(t, steps.Steps, 1)
	assert.Equal(t, []uint64{2}, steps.OTVersions)
	assert.Equal(t, []string{"client-b"}, steps.UserIDs)

	content, _ := json.Marshal(document.FromLines([]document.Line{{Type: document.Action, Segments: []document.TextRun{{Text: "ab"}}}}))
	w = f.do(t, http.MethodPost, "/documents/"+id+"/snapshots", gin.H{"content": json.RawMessage(content), "ot_version": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"snapshot_version":1}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/documents/"+id+"/steps?since=1", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.JSONEq(t, `{"error":"HISTORY_TOO_OLD"}`, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = f.do(t, http.MethodGet, "/documents/"+id+"/steps?since=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"steps":[],"ot_versions":[],"userIDs":[]}`, w.Body.String())
}

func TestGetDocumentReturnsLatestSnapshot(t *testing.T) {
	f := newAPI(t)
	id := f.createDoc(t)

	w := f.do(t, http.MethodGet, "/documents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"snapshot":null`)

	f.accept(t, id, 0, "x")
	w = f.do(t, http.MethodPost, "/documents/"+id+"/save", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/documents/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		ID        string `json:"id"`
		OwnerID   uint64 `json:"ownerId"`
		OTVersion uint64 `json:"ot_version"`
		Snapshot  *struct {
			Content         document.Document `json:"content"`
			SnapshotVersion uint64            `json:"snapshot_version"`
			OTVersion       uint64            `json:"ot_version"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, uint64(7), view.OwnerID)
	assert.Equal(t, uint64(1), view.OTVersion)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, "x", view.Snapshot.Content.Text())
	assert.Equal(t, uint64(1), view.Snapshot.OTVersion)
}

func TestSnapshotValidation(t *testing.T) {
	f := newAPI(t)
	id := f.createDoc(t)

	w := f.do(t, http.MethodPost, "/documents/"+id+"/snapshots", gin.H{"content": []any{}, "ot_version": 5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/documents/"+id+"/snapshots", gin.H{"content": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/documents/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.accept(t, id, 0, "a")
	f.accept(t, id, 1, "b")
	_, err := f.svc.SaveSnapshot(context.Background(), id)
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/documents/"+id+"/snapshots", gin.H{"content": []any{}, "ot_version": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "SNAPSHOT_STALE")
}
