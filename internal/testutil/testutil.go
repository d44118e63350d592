// Package testutil provides shared test fixtures: small synthetic worlds and
// routes, and helpers for exercising the tsweb debug routes.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// LocalRequest builds a request that tsweb's debug handlers accept as coming
// from loopback.
func LocalRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// ServeLocal performs a loopback GET against h.
func ServeLocal(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, LocalRequest(http.MethodGet, target))
	return rec
}

// DecodeJSON fails the test unless rec carries a 200 response whose body
// decodes into v.
func DecodeJSON(tb testing.TB, rec *httptest.ResponseRecorder, v any) {
	tb.Helper()
	if rec.Code != http.StatusOK {
		tb.Fatalf("status code = %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		tb.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}
