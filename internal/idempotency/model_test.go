package idempotency

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "empty", key: "", wantErr: ErrInvalidKey},
		{name: "short opaque key", key: "retry-93fb", wantErr: nil},
		{name: "uuid", key: "550e8400-e29b-41d4-a716-446655440000", wantErr: nil},
		{name: "exactly max length", key: strings.Repeat("a", MaxKeyLength), wantErr: nil},
		{name: "over max length", key: strings.Repeat("a", MaxKeyLength+1), wantErr: ErrKeyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestComputeResponseHash(t *testing.T) {
	// SHA256 of the empty string is a fixed value.
	const emptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := ComputeResponseHash(""); got != emptyHash {
		t.Errorf("ComputeResponseHash(\"\") = %s, want %s", got, emptyHash)
	}

	body := `{"status":"submitted"}`
	first := ComputeResponseHash(body)
	if len(first) != 64 {
		t.Errorf("hash length = %d, want 64 hex characters", len(first))
	}
	if second := ComputeResponseHash(body); first != second {
		t.Errorf("hash not deterministic: %s != %s", first, second)
	}

	other := ComputeResponseHash(`{"status":"approved"}`)
	if first == other {
		t.Error("distinct bodies hashed to the same value")
	}
}
