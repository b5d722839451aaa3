package portpool

import "testing"

func TestGetAny(t *testing.T) {
	p := New([]int{2001, 2002, 2003})

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		port, ok := p.Get(0)
		if !ok {
			t.Fatalf("Get(0) #%d failed", i)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if _, ok := p.Get(0); ok {
		t.Error("Get(0) succeeded on an exhausted pool")
	}
}

func TestGetPreferred(t *testing.T) {
	p := New([]int{2001, 2002})

	port, ok := p.Get(2002)
	if !ok || port != 2002 {
		t.Fatalf("Get(2002) = %d, %v; want 2002, true", port, ok)
	}
	if _, ok := p.Get(2002); ok {
		t.Error("Get(2002) succeeded while port in use")
	}
	if _, ok := p.Get(9999); ok {
		t.Error("Get(9999) succeeded for a port outside the pool")
	}
}

func TestNewRange(t *testing.T) {
	p := NewRange(3000, 3002)

	if _, ok := p.Get(3000); !ok {
		t.Error("Get(3000) failed; want lo inclusive")
	}
	if _, ok := p.Get(3001); !ok {
		t.Error("Get(3001) failed")
	}
	if _, ok := p.Get(3002); ok {
		t.Error("Get(3002) succeeded; want hi exclusive")
	}
}

func TestPut(t *testing.T) {
	p := New([]int{2001})

	port, ok := p.Get(2001)
	if !ok {
		t.Fatal("Get(2001) failed")
	}
	p.Put(port)
	if _, ok := p.Get(2001); !ok {
		t.Error("Get(2001) failed after Put")
	}
}

func TestPutIdempotent(t *testing.T) {
	p := New([]int{2001, 2002})

	port, _ := p.Get(2001)
	p.Put(port)
	p.Put(port) // second Put of the same port must be a no-op

	if _, ok := p.Get(2001); !ok {
		t.Error("Get(2001) failed after double Put")
	}
	// A port never handed out is ignored entirely.
	p.Put(5555)
	if _, ok := p.Get(5555); ok {
		t.Error("Put(5555) injected a port that was never in the pool")
	}
}
