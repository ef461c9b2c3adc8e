package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wzp-123777/Mul-in-ONE/ai/runtime"
	"github.com/wzp-123777/Mul-in-ONE/ai/session"
	"github.com/wzp-123777/Mul-in-ONE/internal/profile"
	"github.com/wzp-123777/Mul-in-ONE/store"
	"github.com/wzp-123777/Mul-in-ONE/store/crypto"
	"github.com/wzp-123777/Mul-in-ONE/store/memstore"
)

func newTestAPI(t *testing.T) (*echo.Echo, *store.Store) {
	t.Helper()
	p := &profile.Profile{SessionRepo: "memory", RuntimeMode: "stub", HistoryLimit: 50}
	st := store.New(memstore.NewDB(), p)
	sessions := session.NewService(st, runtime.NewStubAdapter())
	t.Cleanup(sessions.Shutdown)

	e := echo.New()
	api := NewAPIV1Service(p, st, sessions, nil, crypto.New("test-secret"), nil)
	api.Register(e)
	return e, st
}

func doJSON(t *testing.T, e *echo.Echo, method, path, username, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if username != "" {
		req.Header.Set(usernameHeader, username)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createPersonaViaAPI(t *testing.T, e *echo.Echo, username, name, handle string) int32 {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/api/personas", username,
		`{"name":"`+name+`","handle":"`+handle+`","prompt":"测试角色","proactivity":0.8}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return int32(resp["id"].(float64))
}

func createSessionViaAPI(t *testing.T, e *echo.Echo, username string, personaIDs ...int32) string {
	t.Helper()
	ids := make([]string, 0, len(personaIDs))
	for _, id := range personaIDs {
		ids = append(ids, jsonNumber(id))
	}
	body := `{"title":"晚间闲聊","user_display_name":"老王","user_handle":"wang","persona_ids":[` +
		strings.Join(ids, ",") + `]}`
	rec := doJSON(t, e, http.MethodPost, "/api/sessions", username, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["id"].(string)
}

func jsonNumber(id int32) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestSessionLifecycle(t *testing.T) {
	e, _ := newTestAPI(t)
	personaID := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	sessionID := createSessionViaAPI(t, e, "wang", personaID)

	rec := doJSON(t, e, http.MethodGet, "/api/sessions/"+sessionID, "wang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sess map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "晚间闲聊", sess["title"])
	participants := sess["participants"].([]any)
	require.Len(t, participants, 1)
	assert.Equal(t, "Ada", participants[0].(map[string]any)["name"])

	// PATCH metadata.
	rec = doJSON(t, e, http.MethodPatch, "/api/sessions/"+sessionID, "wang",
		`{"title":"改名了","user_persona":"一个养猫的人"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "改名了", sess["title"])
	assert.Equal(t, "一个养猫的人", sess["user_persona"])

	// List shows the session.
	rec = doJSON(t, e, http.MethodGet, "/api/sessions", "wang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	// Delete.
	rec = doJSON(t, e, http.MethodDelete, "/api/sessions/"+sessionID, "wang", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, e, http.MethodGet, "/api/sessions/"+sessionID, "wang", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionWithoutTitle(t *testing.T) {
	e, _ := newTestAPI(t)
	personaID := createPersonaViaAPI(t, e, "wang", "Ada", "ada")

	// title is optional; a bare persona list is a valid session.
	rec := doJSON(t, e, http.MethodPost, "/api/sessions", "wang",
		`{"persona_ids":[`+jsonNumber(personaID)+`]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var sess map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "", sess["title"])
	require.Len(t, sess["participants"].([]any), 1)
}

func TestSessionTenantIsolation(t *testing.T) {
	e, _ := newTestAPI(t)
	personaID := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	sessionID := createSessionViaAPI(t, e, "wang", personaID)

	// Another tenant sees 404, not 403.
	rec := doJSON(t, e, http.MethodGet, "/api/sessions/"+sessionID, "li", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, e, http.MethodDelete, "/api/sessions/"+sessionID, "li", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessageQueuesAndPersists(t *testing.T) {
	e, st := newTestAPI(t)
	personaID := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	sessionID := createSessionViaAPI(t, e, "wang", personaID)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+sessionID+"/messages", "wang",
		`{"content":"大家好"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])

	// The stub runtime echoes; eventually two messages exist.
	require.Eventually(t, func() bool {
		msgs, err := st.ListMessages(context.Background(),
			&store.FindMessage{SessionID: sessionID})
		return err == nil && len(msgs) == 2
	}, 3*time.Second, 10*time.Millisecond)

	rec = doJSON(t, e, http.MethodGet, "/api/sessions/"+sessionID+"/messages?limit=10", "wang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0]["sender_type"])
	assert.Equal(t, "老王", msgs[0]["sender"])
	assert.Equal(t, "agent", msgs[1]["sender_type"])
	assert.Equal(t, "老王:大家好", msgs[1]["content"])
}

func TestPostMessageValidation(t *testing.T) {
	e, _ := newTestAPI(t)
	personaID := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	sessionID := createSessionViaAPI(t, e, "wang", personaID)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+sessionID+"/messages", "wang", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/sessions/missing/messages", "wang", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchDeleteSkipsForeignSessions(t *testing.T) {
	e, _ := newTestAPI(t)
	p1 := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	own := createSessionViaAPI(t, e, "wang", p1)
	p2 := createPersonaViaAPI(t, e, "li", "Ben", "ben")
	foreign := createSessionViaAPI(t, e, "li", p2)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/batch-delete", "wang",
		`{"session_ids":["`+own+`","`+foreign+`","missing"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["deleted"])

	// The foreign session survives.
	rec = doJSON(t, e, http.MethodGet, "/api/sessions/"+foreign, "li", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateParticipants(t *testing.T) {
	e, _ := newTestAPI(t)
	p1 := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	p2 := createPersonaViaAPI(t, e, "wang", "Ben", "ben")
	sessionID := createSessionViaAPI(t, e, "wang", p1)

	rec := doJSON(t, e, http.MethodPut, "/api/sessions/"+sessionID+"/participants", "wang",
		`{"persona_ids":[`+jsonNumber(p2)+`,`+jsonNumber(p1)+`]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	participants := sess["participants"].([]any)
	require.Len(t, participants, 2)
	// Ordered by persona id regardless of request order.
	assert.Equal(t, "Ada", participants[0].(map[string]any)["name"])
	assert.Equal(t, "Ben", participants[1].(map[string]any)["name"])
}

func TestPersonaValidation(t *testing.T) {
	e, _ := newTestAPI(t)

	rec := doJSON(t, e, http.MethodPost, "/api/personas", "wang", `{"handle":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/personas", "wang",
		`{"name":"Ada","handle":"ada","proactivity":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/api/personas/999", "wang", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/api/personas/abc", "wang", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIProfileKeyNeverLeaksPlaintext(t *testing.T) {
	e, st := newTestAPI(t)

	rec := doJSON(t, e, http.MethodPost, "/api/api-profiles", "wang",
		`{"name":"主模型","model":"gpt-x","base_url":"https://api.example.com/v1","api_key":"sk-secret-12345678"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := rec.Body.String()
	assert.NotContains(t, body, "sk-secret-12345678")
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "****5678", resp["key_preview"])

	// Stored value is ciphertext, not the plaintext key.
	id := int32(resp["id"].(float64))
	stored, err := st.GetAPIProfile(context.Background(), "wang", id)
	require.NoError(t, err)
	assert.NotEqual(t, "sk-secret-12345678", stored.APIKeyCipher)
	assert.NotEmpty(t, stored.APIKeyCipher)

	// List responses are masked too.
	rec = doJSON(t, e, http.MethodGet, "/api/api-profiles", "wang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret-12345678")
}

func TestEmbeddingProfileBinding(t *testing.T) {
	e, _ := newTestAPI(t)

	rec := doJSON(t, e, http.MethodPost, "/api/api-profiles", "wang",
		`{"name":"嵌入","model":"embed-v1","api_key":"sk-e","is_embedding":true,"embedding_dim":1024}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := jsonNumber(int32(created["id"].(float64)))

	rec = doJSON(t, e, http.MethodPut, "/api/settings/embedding-profile", "wang",
		`{"profile_id":`+id+`}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/api/settings/embedding-profile", "wang", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bound map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bound))
	assert.Equal(t, "embed-v1", bound["model"])

	// A chat profile cannot be bound as the embedding profile.
	rec = doJSON(t, e, http.MethodPost, "/api/api-profiles", "wang",
		`{"name":"聊天","model":"gpt-x","api_key":"sk-c"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var chat map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	rec = doJSON(t, e, http.MethodPut, "/api/settings/embedding-profile", "wang",
		`{"profile_id":`+jsonNumber(int32(chat["id"].(float64)))+`}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndStopEndpoint(t *testing.T) {
	e, _ := newTestAPI(t)
	personaID := createPersonaViaAPI(t, e, "wang", "Ada", "ada")
	sessionID := createSessionViaAPI(t, e, "wang", personaID)

	rec := doJSON(t, e, http.MethodPost, "/api/sessions/"+sessionID+"/stop", "wang",
		`{"reason":"force_stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stopped", resp["status"])
}
