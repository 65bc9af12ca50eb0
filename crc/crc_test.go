package crc

import "testing"

func TestComputeMasksTo12Bits(t *testing.T) {
	got := Compute([]byte{1, 2, 3, 4, 5}, nil)
	if got&^Mask != 0 {
		t.Fatalf("crc %#x has bits outside 12-bit mask", got)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	data := []byte{0x2a, 0x05, 'h', 'e', 'l', 'l', 'o'}
	c := Compute(data, nil)
	if !Verify(data, nil, c) {
		t.Fatalf("Verify failed for its own Compute output")
	}
}

func TestSingleBitCorruptionChangesCRC(t *testing.T) {
	data := []byte{0x2a, 0x05, 'h', 'e', 'l', 'l', 'o'}
	c := Compute(data, nil)

	corrupt := append([]byte(nil), data...)
	corrupt[2] ^= 0x01

	if Verify(corrupt, nil, c) {
		t.Fatalf("expected corrupted data to fail CRC check")
	}
}

func TestIdentifierChangesCRC(t *testing.T) {
	data := []byte{1, 2, 3}
	id := &Identifier{1, 2, 3, 4, 5, 6, 7, 8}

	plain := Compute(data, nil)
	bound := Compute(data, id)

	if plain == bound {
		t.Fatalf("expected identifier-bound CRC to differ from unbound CRC")
	}
	if !Verify(data, id, bound) {
		t.Fatalf("Verify with matching identifier failed")
	}
	if Verify(data, nil, bound) {
		t.Fatalf("Verify without identifier unexpectedly accepted identifier-bound CRC")
	}
}

func TestIdentifierCompositionLaw(t *testing.T) {
	// crc12(msg, identifier=id) == fold(id) composed with fold(msg) from the
	// same seed — exercised here by checking the two-stage fold matches the
	// one-shot Compute call with an identifier.
	data := []byte{9, 8, 7, 6}
	id := &Identifier{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22}

	want := Compute(data, id)

	got := fold(Seed, id[:])
	got = fold(got, data)
	got &= Mask

	if got != want {
		t.Fatalf("two-stage fold = %#x, want %#x", got, want)
	}
}

func TestEmptyData(t *testing.T) {
	c := Compute(nil, nil)
	if c != Seed&Mask {
		t.Fatalf("empty input crc = %#x, want seed masked %#x", c, Seed&Mask)
	}
}
