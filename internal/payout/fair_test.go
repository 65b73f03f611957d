package payout

import "testing"

func TestDraw_Deterministic(t *testing.T) {
	server := []byte("server-seed")
	a := Draw(server, []byte("client-1"))
	b := Draw(server, []byte("client-1"))
	if a != b {
		t.Fatalf("draw not deterministic: %d vs %d", a, b)
	}
	if a >= Space {
		t.Errorf("draw %d outside outcome space", a)
	}
	if Draw(server, []byte("client-2")) == a {
		t.Errorf("different client seeds should (almost surely) draw differently")
	}
}

func TestCommit_Verify(t *testing.T) {
	seed := []byte("server-seed")
	c := Commit(seed)
	if len(c) != 64 {
		t.Errorf("commitment should be 32 hex bytes, got %q", c)
	}
	if !Verify(c, seed) {
		t.Error("commitment should verify against its seed")
	}
	if Verify(c, []byte("other")) {
		t.Error("commitment must not verify against another seed")
	}
	if Verify("zz", seed) {
		t.Error("malformed commitment must not verify")
	}
}
