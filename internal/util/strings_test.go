package util

import "testing"

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"no limit", "hello", 0, "hello"},
		{"under limit", "hello", 10, "hello"},
		{"exact limit", "hello", 5, "hello"},
		{"over limit", "hello world", 5, "hello..."},
		{"multibyte safe", "日本語テキスト", 3, "日本語..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateRunes(tt.in, tt.max); got != tt.want {
				t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestDigest_Stable(t *testing.T) {
	a := DigestString(`{"query":"s3 lifecycle"}`)
	b := DigestString(`{"query":"s3 lifecycle"}`)
	if a != b {
		t.Errorf("same input produced different digests: %q vs %q", a, b)
	}
	if len(a) != digestLen {
		t.Errorf("digest length = %d, want %d", len(a), digestLen)
	}
	if c := DigestString(`{"query":"other"}`); c == a {
		t.Error("different inputs produced identical digests")
	}
}

func TestDigest_Empty(t *testing.T) {
	if got := Digest(nil); got != "" {
		t.Errorf("Digest(nil) = %q, want empty", got)
	}
}
