package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"lsmkv/pkg/config"
	"lsmkv/pkg/lsm"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	engine, err := lsm.Open(t.TempDir(), config.DefaultDB())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return NewServer(engine, "0").createRouter()
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp
}

func TestServer_Health(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != StatusOK {
		t.Fatalf("Expected OK status, got %s", resp.Status)
	}
}

func putKV(t *testing.T, router http.Handler, key, value string) {
	t.Helper()
	form := url.Values{"key": {key}, "value": {value}}
	req := httptest.NewRequest(http.MethodPut, "/api/kv", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Put %s returned %d", key, rec.Code)
	}
}

func TestServer_PutGetDelete(t *testing.T) {
	router := testRouter(t)

	putKV(t, router, "key1", "value1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kv?key=key1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Value != "value1" {
		t.Fatalf("Expected value1, got %q", resp.Value)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/kv?key=key1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kv?key=key1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 after delete, got %d", rec.Code)
	}
}

func TestServer_MissingParams(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kv", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing key, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/kv", strings.NewReader("key=onlykey"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing value, got %d", rec.Code)
	}
}

func TestServer_Scan(t *testing.T) {
	router := testRouter(t)

	putKV(t, router, "a", "1")
	putKV(t, router, "c", "3")
	putKV(t, router, "b", "2")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	resp := decodeResponse(t, rec)
	if len(resp.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(resp.Entries))
	}
	expected := []Entry{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	for i, e := range expected {
		if resp.Entries[i] != e {
			t.Fatalf("Position %d: expected %v, got %v", i, e, resp.Entries[i])
		}
	}
}

func TestServer_Flush(t *testing.T) {
	router := testRouter(t)

	putKV(t, router, "persisted", "yes")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/flush", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kv?key=persisted", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 after flush, got %d", rec.Code)
	}
}
