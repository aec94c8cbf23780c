package keyscramble

import "testing"

func TestScrambleDeterministicAndSensitive(t *testing.T) {
	x := [16]byte{0xB9, 0x8E, 0x95, 0xCE, 0xCA, 0x3E, 0x4D, 0x17, 0x1F, 0x76, 0xA9, 0x4D, 0xE9, 0x34, 0xC0, 0x5C}
	var y [16]byte
	a := Scramble(x, y)
	b := Scramble(x, y)
	if a != b {
		t.Fatalf("Scramble not deterministic: %x vs %x", a, b)
	}
	y[0] ^= 1
	if c := Scramble(x, y); c == a {
		t.Fatal("Scramble did not change with y")
	}
}

func TestLrot128Identity(t *testing.T) {
	var a [16]byte
	for i := range a {
		a[i] = byte(i)
	}
	if got := lrot128(a, 0); got != a {
		t.Fatalf("lrot128(a,0) = %x, want %x", got, a)
	}
	if got := lrot128(a, 128); got != a {
		t.Fatalf("lrot128(a,128) = %x, want %x", got, a)
	}
}

func TestAdd128Carries(t *testing.T) {
	var a, b [16]byte
	for i := range a {
		a[i] = 0xFF
	}
	b[15] = 1
	got := add128(a, b)
	var want [16]byte // 0xFF..FF + 1 wraps to all-zero, carry lost off the top
	if got != want {
		t.Fatalf("add128 overflow = %x, want %x", got, want)
	}
}

func TestXor128SelfInverse(t *testing.T) {
	var a, b [16]byte
	for i := range a {
		a[i] = byte(i * 7)
		b[i] = byte(i * 13)
	}
	if got := xor128(xor128(a, b), b); got != a {
		t.Fatalf("xor128 round trip = %x, want %x", got, a)
	}
}

func TestHashMovableLength(t *testing.T) {
	var key [16]byte
	got := HashMovable(key)
	if len(got) != 32 {
		t.Fatalf("len(HashMovable) = %d, want 32", len(got))
	}
	for _, c := range got {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("HashMovable contains non-hex char %q", c)
		}
	}
}

func TestHashMovableDeterministic(t *testing.T) {
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	a := HashMovable(key)
	b := HashMovable(key)
	if a != b {
		t.Fatalf("HashMovable not deterministic: %q vs %q", a, b)
	}
	key[0] ^= 1
	if c := HashMovable(key); c == a {
		t.Fatal("HashMovable did not change with the key")
	}
}
