package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/tabula/model"
)

var testClient = &http.Client{
	Timeout: 15 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// GET sends an authenticated GET. An empty token sends no credentials.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodGet, path, nil, token)
}

// POST sends body as JSON.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodPost, path, body, token)
}

// DELETE sends an authenticated DELETE.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.send(http.MethodDelete, path, nil, token)
}

func (h *TestHarness) send(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var payload io.Reader = http.NoBody
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			h.t.Fatalf("encode %s %s body: %v", method, path, err)
		}
		payload = buf
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, payload)
	if err != nil {
		h.t.Fatalf("build %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := testClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ReadBody drains and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	return data
}

// ParseJSON decodes the response body into target and closes it.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("decode body: %v\n%s", err, data)
	}
}

// statusIs reports whether resp has the wanted status. On a mismatch it
// logs the body, which it then has consumed.
func (h *TestHarness) statusIs(t *testing.T, resp *http.Response, want int) bool {
	t.Helper()
	if resp.StatusCode == want {
		return true
	}
	t.Errorf("%s %s: status = %d, want %d\n%s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, h.ReadBody(resp))
	return false
}

// AssertStatus checks the status and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if h.statusIs(t, resp, want) {
		resp.Body.Close()
	}
}

// AssertJSON checks the status and decodes the body into target. A wrong
// status stops the test.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	if !h.statusIs(t, resp, want) {
		t.FailNow()
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the code of an error envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
}

// CreateSession mounts tableID and returns the initial view.
func (h *TestHarness) CreateSession(t *testing.T, tableID, token string) model.SessionView {
	t.Helper()
	var view model.SessionView
	h.AssertJSON(t, h.POST("/ui/tables/"+tableID+"/sessions", nil, token), http.StatusCreated, &view)
	return view
}

// Act applies one action and returns the new view.
func (h *TestHarness) Act(t *testing.T, sessionID string, action model.SessionAction, token string) model.SessionView {
	t.Helper()
	var view model.SessionView
	h.AssertJSON(t, h.POST("/ui/sessions/"+sessionID+"/actions", action, token), http.StatusOK, &view)
	return view
}
