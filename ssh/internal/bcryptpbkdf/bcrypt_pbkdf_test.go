package bcryptpbkdf

import (
	"bytes"
	"testing"
)

func TestDeterministic(t *testing.T) {
	k1, err := Key([]byte("password"), []byte("salt"), 4, 32)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Key([]byte("password"), []byte("salt"), 4, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same inputs produced different keys")
	}
	if len(k1) != 32 {
		t.Errorf("key length = %d, want 32", len(k1))
	}
}

func TestInputSensitivity(t *testing.T) {
	base, err := Key([]byte("password"), []byte("salt"), 4, 48)
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range []struct {
		password, salt string
		rounds         int
	}{
		{"Password", "salt", 4},
		{"password", "pepper", 4},
		{"password", "salt", 5},
	} {
		k, err := Key([]byte(tt.password), []byte(tt.salt), tt.rounds, 48)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Equal(base, k) {
			t.Errorf("Key(%q, %q, %d) matches the base key", tt.password, tt.salt, tt.rounds)
		}
	}
}

func TestBadInputs(t *testing.T) {
	if _, err := Key(nil, []byte("salt"), 4, 32); err == nil {
		t.Error("empty password accepted")
	}
	if _, err := Key([]byte("pw"), nil, 4, 32); err == nil {
		t.Error("empty salt accepted")
	}
	if _, err := Key([]byte("pw"), []byte("salt"), 0, 32); err == nil {
		t.Error("zero rounds accepted")
	}
	if _, err := Key([]byte("pw"), []byte("salt"), 4, 4096); err == nil {
		t.Error("oversized key length accepted")
	}
}

func TestOddKeyLength(t *testing.T) {
	// Lengths that are not multiples of the internal block size
	// exercise the output interleaving.
	for _, n := range []int{1, 31, 33, 63} {
		k, err := Key([]byte("password"), []byte("salt"), 2, n)
		if err != nil {
			t.Fatal(err)
		}
		if len(k) != n {
			t.Errorf("key length = %d, want %d", len(k), n)
		}
	}
}
