package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "secret" {
			t.Errorf("Authorization header = %q, want secret", got)
		}
		if r.URL.Path != "/v4/info" {
			t.Errorf("path = %q, want /v4/info", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": "1.0.0"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, nil)
	defer c.Close()

	var out struct{ Version string }
	if err := c.Get(context.Background(), "/v4/info", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", out.Version)
	}
}

func TestDeleteNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, nil)
	defer c.Close()

	if err := c.Delete(context.Background(), "/v4/sessions/s1/players/g1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestErrorStatusSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  404,
			"message": "player not found",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, nil)
	defer c.Close()

	err := c.Get(context.Background(), "/v4/sessions/s1/players/g1", &struct{}{})
	if err == nil {
		t.Fatal("expected error")
	}
	restErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if restErr.Status != 404 {
		t.Errorf("Status = %d, want 404", restErr.Status)
	}
	if restErr.Message != "player not found" {
		t.Errorf("Message = %q, want %q", restErr.Message, "player not found")
	}
}

func TestPatchSendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["volume"] != float64(50) {
			t.Errorf("volume = %v, want 50", body["volume"])
		}
		json.NewEncoder(w).Encode(map[string]any{"guildId": "g1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second, nil)
	defer c.Close()

	var out struct{ GuildID string `json:"guildId"` }
	err := c.Patch(context.Background(), "/v4/sessions/s1/players/g1", map[string]any{"volume": 50}, &out)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if out.GuildID != "g1" {
		t.Errorf("GuildID = %q, want g1", out.GuildID)
	}
}

func TestContextCancellationAbortsRequest(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-unblock
	}))
	defer srv.Close()
	defer close(unblock)

	c := New(srv.URL, "secret", 5*time.Second, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Get(ctx, "/v4/info", &struct{}{})
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}
