package relayservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestTransportRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, nil, nil)
	body, status, err := tr.Get(context.Background(), "/v1/test", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status %d, want 200", status)
	}
	if string(body) != "ok" {
		t.Fatalf("body %q, want ok", body)
	}
	if calls.Load() != 2 {
		t.Fatalf("server saw %d calls, want 2", calls.Load())
	}
}

func TestTransportAuthFailureHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var fired atomic.Int32
	tr := NewTransport(srv.URL, nil, nil)
	tr.OnAuthFailure(func() { fired.Add(1) })

	auth := &BasicAuth{Username: "user.1", Password: "pw"}
	_, status, err := tr.Get(context.Background(), "/v1/devices", auth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status != http.StatusForbidden {
		t.Fatalf("status %d, want 403", status)
	}
	if fired.Load() != 1 {
		t.Fatalf("hook fired %d times, want 1", fired.Load())
	}

	// Unauthenticated requests never fire the hook.
	if _, _, err := tr.Get(context.Background(), "/v1/open", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("hook fired on unauthenticated request")
	}
}

func TestTransportSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user.1" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, nil, nil)
	_, status, err := tr.PutJSON(context.Background(), "/v1/accounts/attributes",
		&AccountAttributes{RegistrationID: 7}, &BasicAuth{Username: "user.1", Password: "secret"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("status %d, want 204", status)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	if err := statusError("/p", 200, nil); err != nil {
		t.Errorf("200: %v", err)
	}
	if err := statusError("/p", 204, nil); err != nil {
		t.Errorf("204: %v", err)
	}

	var denied *AuthorizationDeniedError
	if !errors.As(statusError("/p", 403, nil), &denied) {
		t.Error("403 not an authorization denial")
	}
	var transient *TransientError
	if !errors.As(statusError("/p", 503, nil), &transient) {
		t.Error("503 not transient")
	}
	if !errors.As(statusError("/p", 429, nil), &transient) {
		t.Error("429 not transient")
	}
	var permanent *PermanentError
	if !errors.As(statusError("/p", 404, nil), &permanent) {
		t.Error("404 not permanent")
	}
	if !errors.As(statusError("/p", 400, nil), &permanent) {
		t.Error("400 not permanent")
	}
}
