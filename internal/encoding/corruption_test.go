package encoding

import (
	"errors"
	"testing"
)

// -----------------------------------------------------------------------------
// Corruption and Edge Case Tests
// Based on RocksDB util/coding_test.cc
// -----------------------------------------------------------------------------

// TestVarint32Truncation tests that truncated varint input is handled correctly.
func TestVarint32Truncation(t *testing.T) {
	// Encode a large value that requires 5 bytes
	largeValue := uint32(1<<31) + 100
	encoded := AppendVarint32(nil, largeValue)

	// Try to decode with progressively shorter input
	for length := range len(encoded) - 1 {
		truncated := encoded[:length]
		_, n, err := DecodeVarint32(truncated)
		if err == nil && n > 0 {
			t.Errorf("DecodeVarint32(%d bytes) should fail or return 0 bytes read, got n=%d", length, n)
		}
	}

	// Full input should succeed
	val, n, err := DecodeVarint32(encoded)
	if err != nil {
		t.Errorf("DecodeVarint32(full) failed: %v", err)
	}
	if val != largeValue {
		t.Errorf("DecodeVarint32(full) = %d, want %d", val, largeValue)
	}
	if n != len(encoded) {
		t.Errorf("DecodeVarint32(full) read %d bytes, want %d", n, len(encoded))
	}
}

// TestVarint32OverflowBits tests that varints with overflow bits are rejected.
func TestVarint32OverflowBits(t *testing.T) {
	// 5 bytes with continuation bit set on all - this is an overflow
	input := []byte{0x81, 0x82, 0x83, 0x84, 0x85, 0x11}

	_, n, err := DecodeVarint32(input)
	if !errors.Is(err, ErrVarintOverflow) {
		t.Errorf("Expected ErrVarintOverflow, got err=%v, n=%d", err, n)
	}
}

// TestDecodeEmptyInput tests decoding from empty input.
func TestDecodeEmptyInput(t *testing.T) {
	_, n, err := DecodeVarint32(nil)
	if n != 0 {
		t.Errorf("DecodeVarint32(nil) should return 0 bytes read")
	}
	_ = err // error may or may not be returned for empty input
}

// TestVarintEdgeValues tests edge values for varints.
func TestVarintEdgeValues(t *testing.T) {
	// Test values at boundaries
	values32 := []uint32{
		0,
		127,        // max 1-byte
		128,        // min 2-byte
		16383,      // max 2-byte
		16384,      // min 3-byte
		2097151,    // max 3-byte
		2097152,    // min 4-byte
		268435455,  // max 4-byte
		268435456,  // min 5-byte
		0xFFFFFFFF, // max uint32
	}

	for _, v := range values32 {
		encoded := AppendVarint32(nil, v)
		decoded, n, err := DecodeVarint32(encoded)
		if err != nil {
			t.Errorf("DecodeVarint32 failed for %d: %v", v, err)
			continue
		}
		if decoded != v {
			t.Errorf("Varint32 roundtrip: got %d, want %d", decoded, v)
		}
		if n != len(encoded) {
			t.Errorf("Varint32 %d: read %d bytes, encoded %d", v, n, len(encoded))
		}
	}
}
