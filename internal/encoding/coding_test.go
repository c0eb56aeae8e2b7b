package encoding

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

// -----------------------------------------------------------------------------
// Fixed-width encoding tests
// -----------------------------------------------------------------------------

func TestFixed16(t *testing.T) {
	tests := []struct {
		name  string
		value uint16
		want  []byte
	}{
		{"zero", 0, []byte{0x00, 0x00}},
		{"one", 1, []byte{0x01, 0x00}},
		{"max", 0xFFFF, []byte{0xFF, 0xFF}},
		{"0x1234", 0x1234, []byte{0x34, 0x12}}, // little-endian
		{"256", 256, []byte{0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test decode
			got := DecodeFixed16(tt.want)
			if got != tt.value {
				t.Errorf("DecodeFixed16(%v) = %d, want %d", tt.want, got, tt.value)
			}

			// Test append
			appended := AppendFixed16(nil, tt.value)
			if !bytes.Equal(appended, tt.want) {
				t.Errorf("AppendFixed16(%d) = %v, want %v", tt.value, appended, tt.want)
			}
		})
	}
}

func TestFixed32(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		want  []byte
	}{
		{"zero", 0, []byte{0x00, 0x00, 0x00, 0x00}},
		{"one", 1, []byte{0x01, 0x00, 0x00, 0x00}},
		{"max", 0xFFFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		{"0x12345678", 0x12345678, []byte{0x78, 0x56, 0x34, 0x12}},
		{"65536", 65536, []byte{0x00, 0x00, 0x01, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test decode
			got := DecodeFixed32(tt.want)
			if got != tt.value {
				t.Errorf("DecodeFixed32(%v) = %d, want %d", tt.want, got, tt.value)
			}

			// Test append
			appended := AppendFixed32(nil, tt.value)
			if !bytes.Equal(appended, tt.want) {
				t.Errorf("AppendFixed32(%d) = %v, want %v", tt.value, appended, tt.want)
			}
		})
	}
}

func TestFixed64(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		want  []byte
	}{
		{"zero", 0, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"one", 1, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"max", 0xFFFFFFFFFFFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"0x123456789ABCDEF0", 0x123456789ABCDEF0, []byte{0xF0, 0xDE, 0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test decode
			got := DecodeFixed64(tt.want)
			if got != tt.value {
				t.Errorf("DecodeFixed64(%v) = %d, want %d", tt.want, got, tt.value)
			}

			// Test append
			appended := AppendFixed64(nil, tt.value)
			if !bytes.Equal(appended, tt.want) {
				t.Errorf("AppendFixed64(%d) = %v, want %v", tt.value, appended, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Varint32 tests
// -----------------------------------------------------------------------------

func TestVarint32(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		want  []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one", 1, []byte{0x01}},
		{"127", 127, []byte{0x7F}},
		{"128", 128, []byte{0x80, 0x01}},
		{"255", 255, []byte{0xFF, 0x01}},
		{"256", 256, []byte{0x80, 0x02}},
		{"300", 300, []byte{0xAC, 0x02}},
		{"16383", 16383, []byte{0xFF, 0x7F}},
		{"16384", 16384, []byte{0x80, 0x80, 0x01}},
		{"max", 0xFFFFFFFF, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test encode
			buf := make([]byte, MaxVarint32Length)
			n := EncodeVarint32(buf, tt.value)
			if !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("EncodeVarint32(%d) = %v, want %v", tt.value, buf[:n], tt.want)
			}

			// Test decode
			got, bytesRead, err := DecodeVarint32(tt.want)
			if err != nil {
				t.Errorf("DecodeVarint32(%v) error: %v", tt.want, err)
			}
			if got != tt.value {
				t.Errorf("DecodeVarint32(%v) = %d, want %d", tt.want, got, tt.value)
			}
			if bytesRead != len(tt.want) {
				t.Errorf("DecodeVarint32(%v) bytesRead = %d, want %d", tt.want, bytesRead, len(tt.want))
			}

			// Test append
			appended := AppendVarint32(nil, tt.value)
			if !bytes.Equal(appended, tt.want) {
				t.Errorf("AppendVarint32(%d) = %v, want %v", tt.value, appended, tt.want)
			}
		})
	}
}

func TestVarint32DecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"empty", []byte{}, ErrVarintTermination},
		{"unterminated_1", []byte{0x80}, ErrVarintTermination},
		{"unterminated_2", []byte{0x80, 0x80}, ErrVarintTermination},
		{"unterminated_5", []byte{0x80, 0x80, 0x80, 0x80, 0x80}, ErrVarintOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeVarint32(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeVarint32(%v) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Roundtrip property tests
// -----------------------------------------------------------------------------

func TestVarint32Roundtrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 255, 256, 16383, 16384, math.MaxUint32}
	for _, v := range values {
		encoded := AppendVarint32(nil, v)
		decoded, n, err := DecodeVarint32(encoded)
		if err != nil {
			t.Errorf("Roundtrip error for %d: %v", v, err)
			continue
		}
		if decoded != v || n != len(encoded) {
			t.Errorf("Roundtrip failed for %d: got %d (n=%d)", v, decoded, n)
		}
	}
}
