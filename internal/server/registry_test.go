package server

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/wssocks/wssocks/internal/portpool"
)

func TestAddReverseToken(t *testing.T) {
	s := New(Config{Logger: testLogger(), PortPool: portpool.New([]int{2001, 2002})})

	token, port, err := s.AddReverseToken(ReverseTokenOptions{Token: "alpha", Port: 2001})
	if err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if token != "alpha" || port != 2001 {
		t.Errorf("AddReverseToken = %s, %d; want alpha, 2001", token, port)
	}

	// Re-adding the same token returns the existing port without a second
	// allocation.
	token, port, err = s.AddReverseToken(ReverseTokenOptions{Token: "alpha"})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if token != "alpha" || port != 2001 {
		t.Errorf("re-add = %s, %d; want alpha, 2001", token, port)
	}
	if _, ok := s.pool.Get(2001); ok {
		t.Error("port 2001 still free after allocation")
	}
}

func TestAddReverseTokenGenerated(t *testing.T) {
	s := New(Config{Logger: testLogger(), PortPool: portpool.New([]int{2001})})

	token, port, err := s.AddReverseToken(ReverseTokenOptions{})
	if err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if len(token) != 16 {
		t.Errorf("generated token length = %d, want 16", len(token))
	}
	if port != 2001 {
		t.Errorf("port = %d, want 2001", port)
	}
}

func TestAddReverseTokenExhausted(t *testing.T) {
	s := New(Config{Logger: testLogger(), PortPool: portpool.New([]int{2001})})

	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "alpha"}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	_, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "beta"})
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Errorf("second token error = %v, want ErrNoPortAvailable", err)
	}
	_, _, err = s.AddReverseToken(ReverseTokenOptions{Token: "gamma", Port: 2001})
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Errorf("taken port error = %v, want ErrNoPortAvailable", err)
	}
}

func TestTokenKindClash(t *testing.T) {
	s := New(Config{Logger: testLogger(), PortPool: portpool.New([]int{2001})})

	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "alpha"}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if _, err := s.AddForwardToken("alpha"); !errors.Is(err, ErrTokenKindClash) {
		t.Errorf("forward over reverse = %v, want ErrTokenKindClash", err)
	}

	if _, err := s.AddForwardToken("beta"); err != nil {
		t.Fatalf("AddForwardToken: %v", err)
	}
	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "beta"}); !errors.Is(err, ErrTokenKindClash) {
		t.Errorf("reverse over forward = %v, want ErrTokenKindClash", err)
	}
}

func TestRemoveTokenReturnsPort(t *testing.T) {
	s := New(Config{Logger: testLogger(), PortPool: portpool.New([]int{2001})})

	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "alpha", Port: 2001}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	if !s.RemoveToken("alpha") {
		t.Fatal("RemoveToken returned false for a known token")
	}
	if s.RemoveToken("alpha") {
		t.Error("second RemoveToken returned true")
	}
	if s.RemoveToken("never-added") {
		t.Error("RemoveToken returned true for an unknown token")
	}

	// The port is back in the pool.
	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "beta", Port: 2001}); err != nil {
		t.Errorf("re-allocating the freed port: %v", err)
	}
}

func TestRoundRobinCursor(t *testing.T) {
	rt := &reverseToken{}
	if ws := rt.nextWebSocket(); ws != nil {
		t.Error("nextWebSocket on empty list returned non-nil")
	}

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		rt.addClient(id, nil)
	}

	// The cursor advances before selection, so the first pick is the second
	// client, and removal of the current client resets cleanly.
	wantOrder := []int{1, 2, 0, 1, 2}
	for i, want := range wantOrder {
		rt.nextWebSocket()
		rt.mu.Lock()
		got := rt.cursor
		rt.mu.Unlock()
		if got != want {
			t.Errorf("pick %d: cursor = %d, want %d", i, got, want)
		}
	}

	rt.removeClient(ids[2])
	rt.mu.Lock()
	cursor, n := rt.cursor, len(rt.clients)
	rt.mu.Unlock()
	if n != 2 {
		t.Fatalf("clients = %d, want 2", n)
	}
	if cursor != 0 {
		t.Errorf("cursor after overflow removal = %d, want 0", cursor)
	}

	rt.removeClient(ids[0])
	rt.removeClient(ids[1])
	if rt.hasClients() {
		t.Error("hasClients true after removing everyone")
	}
}

func TestCredentialsRequireBoth(t *testing.T) {
	s := New(Config{Logger: testLogger(), PortPool: portpool.New([]int{2001, 2002})})

	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "alpha", Username: "alice"}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	rt, ok := s.lookupReverse("alpha")
	if !ok {
		t.Fatal("token not registered")
	}
	if u, p := rt.credentials(); u != "" || p != "" {
		t.Errorf("credentials = %q/%q, want empty; username alone must not enable auth", u, p)
	}

	if _, _, err := s.AddReverseToken(ReverseTokenOptions{Token: "beta", Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("AddReverseToken: %v", err)
	}
	rt, _ = s.lookupReverse("beta")
	if u, p := rt.credentials(); u != "alice" || p != "secret" {
		t.Errorf("credentials = %q/%q, want alice/secret", u, p)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	if cfg.WSHost != "0.0.0.0" || cfg.WSPort != 8765 {
		t.Errorf("ws defaults = %s:%d, want 0.0.0.0:8765", cfg.WSHost, cfg.WSPort)
	}
	if cfg.SocksHost != "127.0.0.1" {
		t.Errorf("SocksHost = %q, want 127.0.0.1", cfg.SocksHost)
	}
	if cfg.PortPool == nil {
		t.Error("PortPool not defaulted")
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}
