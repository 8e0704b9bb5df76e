package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/device/register" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "dev-1" {
			t.Errorf("idempotency key = %q", r.Header.Get("Idempotency-Key"))
		}
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		_ = json.NewEncoder(w).Encode(RegisteredDevice{
			Device: Device{ID: req.ID, Nickname: req.Nickname, PublicKey: req.PublicKey, UpdatedAt: 100},
			Token:  "bearer-token",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	reg, err := c.RegisterDevice(context.Background(), &RegisterRequest{ID: "dev-1", Nickname: "me", PublicKey: "abcd"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Token != "bearer-token" || reg.ID != "dev-1" {
		t.Errorf("registration = %+v", reg)
	}
}

func TestBearerTokenSentAfterSetToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]Group{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetToken("tok123")
	if _, err := c.ListGroups(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer tok123" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestAPIErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{400, false},
		{401, true}, // retried after re-auth
		{403, false},
		{404, false},
		{422, false},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"code":"err_code","message":"nope"}`))
		}))
		c := NewClient(srv.URL)
		_, err := c.ListGroups(context.Background())
		srv.Close()

		var ae *APIError
		if !errors.As(err, &ae) {
			t.Fatalf("status %d: error %v is not an APIError", tt.status, err)
		}
		if ae.Status != tt.status || ae.Code != "err_code" {
			t.Errorf("APIError = %+v", ae)
		}
		if Retriable(err) != tt.retriable {
			t.Errorf("Retriable(%d) = %v, want %v", tt.status, !tt.retriable, tt.retriable)
		}
	}
}

func TestTransportErrorIsRetriable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // nothing listens there
	_, err := c.ListGroups(context.Background())
	if err == nil {
		t.Fatal("expected a transport error")
	}
	var ae *APIError
	if errors.As(err, &ae) {
		t.Fatalf("transport failure surfaced as APIError %+v", ae)
	}
	if !Retriable(err) {
		t.Error("transport errors must be retriable")
	}
}

func TestNotFoundHelper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"gone"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.Unpin(context.Background(), "m1", "m1:d1")
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
}

func TestChangesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("collection") != "messages" || q.Get("since") != "cursor-9" || q.Get("limit") != "100" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(ChangePage{
			Records: []ChangeRecord{{Collection: "messages", EntityID: "m1", UpdatedAt: 5, Data: json.RawMessage(`{"id":"m1"}`)}},
			Cursor:  "cursor-10",
			HasMore: true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	page, err := c.Changes(context.Background(), "messages", "cursor-9", 100)
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore || page.Cursor != "cursor-10" || len(page.Records) != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct{ base, want string }{
		{"http://example.com", "ws://example.com/ws"},
		{"https://example.com/", "wss://example.com/ws"},
	}
	for _, tt := range tests {
		if got := NewClient(tt.base).WebSocketURL(); got != tt.want {
			t.Errorf("WebSocketURL(%s) = %s, want %s", tt.base, got, tt.want)
		}
	}
}
