package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
)

const (
	idIdle   = "0b7c6a52-2d6f-4f3e-9b7e-0a3c9d1e5f10"
	idActive = "5f1e2d3c-4b5a-4697-8877-665544332211"
)

func testDirectory() *fakeDirectory {
	return &fakeDirectory{records: []sessiondir.Record{
		{ID: idActive, ProjectPath: "-srv-api", WorkingDirectory: "/srv/api", LastMessagePreview: "ship it", LastModified: time.Unix(200, 0).UTC(), IsActive: true},
		{ID: idIdle, ProjectPath: "-srv-web", WorkingDirectory: "/srv/web", LastMessagePreview: "fix css", LastModified: time.Unix(100, 0).UTC()},
	}}
}

func TestSessionsHandler_List(t *testing.T) {
	rr := httptest.NewRecorder()
	SessionsHandler{Directory: testDirectory()}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 2)
	first := resp.Sessions[0]
	assert.Equal(t, idActive, first["id"])
	assert.Equal(t, "/srv/api", first["cwd"])
	assert.Equal(t, "ship it", first["preview"])
	assert.Equal(t, true, first["isActive"])
	assert.Contains(t, first, "lastModified")
	assert.Contains(t, first, "projectPath")
}

func TestSessionsHandler_EmptyListIsArray(t *testing.T) {
	rr := httptest.NewRecorder()
	SessionsHandler{Directory: &fakeDirectory{}}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rr.Body.String())
}

func postSelect(h http.Handler, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/session/select", strings.NewReader(body)))
	return rr
}

func TestSelectSessionHandler(t *testing.T) {
	dir := testDirectory()
	h := SelectSessionHandler{Directory: dir}

	rr := postSelect(h, `{"sessionId":"`+idIdle+`","cwd":"/tmp/override"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp selectResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, idIdle, resp.SessionID)
	assert.Equal(t, "/tmp/override", resp.Cwd)
	assert.True(t, resp.Resumable)

	rr = postSelect(h, `{"sessionId":"`+idActive+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "/srv/api", resp.Cwd)
	assert.False(t, resp.Resumable)

	assert.Equal(t, []string{"default=" + idIdle, "default=" + idActive}, dir.selected)
}

func TestSelectSessionHandler_Errors(t *testing.T) {
	dir := testDirectory()
	h := SelectSessionHandler{Directory: dir}

	cases := []struct {
		name   string
		body   string
		status int
		typ    core.ErrorType
	}{
		{"malformed id", `{"sessionId":"not-a-uuid"}`, http.StatusBadRequest, core.ErrInvalidRequest},
		{"uppercase id", `{"sessionId":"` + strings.ToUpper(idIdle) + `"}`, http.StatusBadRequest, core.ErrInvalidRequest},
		{"missing id", `{"cwd":"/tmp"}`, http.StatusBadRequest, core.ErrInvalidRequest},
		{"bad json", `{`, http.StatusBadRequest, core.ErrInvalidRequest},
		{"unknown id", `{"sessionId":"11111111-2222-4333-8444-555555555555"}`, http.StatusNotFound, core.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postSelect(h, tc.body)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			var env struct {
				Error core.Error `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
			assert.Equal(t, tc.typ, env.Error.Type)
		})
	}
	assert.Empty(t, dir.selected)
}
