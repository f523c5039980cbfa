package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Embed(t *testing.T) {
	var gotAuth, gotModel, gotInput string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path got %q, want /v1/embeddings", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		gotInput = req.Input

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test", "text-embedding-3-small", 5*time.Second)

	vec, err := c.Embed(context.Background(), "hello world", "gpt-4o")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("embedding got %v, want [0.1 0.2 0.3]", vec)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization got %q, want Bearer sk-test", gotAuth)
	}
	if gotModel != "text-embedding-3-small" {
		t.Errorf("model got %q: the configured embedding model must be sent, not the request model", gotModel)
	}
	if gotInput != "hello world" {
		t.Errorf("input got %q, want %q", gotInput, "hello world")
	}
}

func TestClient_Embed_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "text-embedding-3-small", 5*time.Second)

	if _, err := c.Embed(context.Background(), "x", "m"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestClient_Embed_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "invalid model"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "text-embedding-3-small", 5*time.Second)

	if _, err := c.Embed(context.Background(), "x", "m"); err == nil {
		t.Fatal("expected error on provider error payload")
	}
}

func TestClient_Embed_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "text-embedding-3-small", 5*time.Second)

	if _, err := c.Embed(context.Background(), "x", "m"); err == nil {
		t.Fatal("expected error on empty data")
	}
}
