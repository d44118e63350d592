package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	OK(rec, httptest.NewRequest(http.MethodGet, "/x", nil), map[string]int{"count": 3})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"count":3}` {
		t.Errorf("body = %s", got)
	}
}

func TestWriteJSONPretty(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, httptest.NewRequest(http.MethodGet, "/x?pretty", nil), http.StatusAccepted, map[string]int{"count": 3})

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if !strings.Contains(rec.Body.String(), "\n  \"count\": 3") {
		t.Errorf("expected indented body, got %q", rec.Body.String())
	}
}

func TestWriteJSONNilRequest(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, nil, http.StatusOK, []int{1})
	if got := strings.TrimSpace(rec.Body.String()); got != "[1]" {
		t.Errorf("body = %s", got)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		write  func(w http.ResponseWriter, r *http.Request)
		status int
		msg    string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) { BadRequest(w, r, "invalid limit") }, http.StatusBadRequest, "invalid limit"},
		{"internal", func(w http.ResponseWriter, r *http.Request) { InternalServerError(w, r, "db closed") }, http.StatusInternalServerError, "db closed"},
		{"method", func(w http.ResponseWriter, r *http.Request) { MethodNotAllowed(w, r, http.MethodGet) }, http.StatusMethodNotAllowed, "method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var body ErrorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body.Error != tt.msg || body.Status != tt.status {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestGetOnly(t *testing.T) {
	t.Parallel()

	h := GetOnly(func(w http.ResponseWriter, r *http.Request) { OK(w, r, "ok") })

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/x", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Values("Allow"); len(got) != 2 {
		t.Errorf("Allow = %v", got)
	}
}
