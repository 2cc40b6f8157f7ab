package sandbox

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postDispatch(t *testing.T, h http.Handler, req sandboxDispatchRequest) (*httptest.ResponseRecorder, sandboxDispatchResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	r := httptest.NewRequest(http.MethodPost, callbackPath, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	var resp sandboxDispatchResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestCallbackDispatchRoundTrip(t *testing.T) {
	cs := newCallbackServer()
	ch := cs.register("exec-1")
	defer cs.deregister("exec-1")

	// Answer the envelope the way drainDispatch would.
	go func() {
		env := <-ch
		if env.call.Name != "lookup" {
			t.Errorf("call name = %q", env.call.Name)
		}
		env.replyCh <- dispatchReply{content: "sunny"}
	}()

	w, resp := postDispatch(t, cs.Handler(), sandboxDispatchRequest{
		ExecutionID: "exec-1",
		Name:        "lookup",
		Args:        json.RawMessage(`{"city":"Oslo"}`),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp.Data != "sunny" || resp.Error != "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCallbackDispatchToolError(t *testing.T) {
	cs := newCallbackServer()
	ch := cs.register("exec-1")
	defer cs.deregister("exec-1")

	go func() {
		env := <-ch
		env.replyCh <- dispatchReply{content: "tool broken", isError: true}
	}()

	_, resp := postDispatch(t, cs.Handler(), sandboxDispatchRequest{ExecutionID: "exec-1", Name: "x"})
	if resp.Error != "tool broken" || resp.Data != "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCallbackUnknownExecution(t *testing.T) {
	cs := newCallbackServer()
	w, resp := postDispatch(t, cs.Handler(), sandboxDispatchRequest{ExecutionID: "ghost", Name: "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(resp.Error, "unknown execution_id") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestCallbackRejectsBadRequests(t *testing.T) {
	cs := newCallbackServer()

	r := httptest.NewRequest(http.MethodGet, callbackPath, nil)
	w := httptest.NewRecorder()
	cs.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, callbackPath, strings.NewReader("{not json"))
	w = httptest.NewRecorder()
	cs.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d, want 400", w.Code)
	}
}

func TestCallbackURLExternal(t *testing.T) {
	r := NewHTTPRunner("http://sandbox:9000", WithCallbackExternal("http://app:8080/"))
	if got := r.callbackURL(); got != "http://app:8080"+callbackPath {
		t.Errorf("callbackURL = %q", got)
	}
	// External mount never starts a listener.
	if err := r.ensureStarted(); err != nil {
		t.Fatal(err)
	}
	if r.server.Addr() != "" {
		t.Errorf("listener started despite external mount: %q", r.server.Addr())
	}
}
