package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	k, err := NewKey()
	if err != nil {
		t.Fatalf("NewKey() error: %v", err)
	}
	return k
}

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
		{"empty", "", "empty"},
		{"not base64", "!!!", "base64"},
		{"short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSealer(tt.key)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewSealer() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewSealer() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range []string{"oauth:abc123", "x", strings.Repeat("token", 200), "ünïcødé"} {
		sealed, err := s.Seal(pt)
		if err != nil {
			t.Fatalf("Seal(%q) error: %v", pt, err)
		}
		if !IsSealed(sealed) || strings.Contains(sealed, pt) {
			t.Errorf("Seal(%q) = %q", pt, sealed)
		}
		got, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if got != pt {
			t.Errorf("Open() = %q, want %q", got, pt)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, _ := NewSealer(testKey(t))
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("two seals of the same value are identical")
	}
}

func TestEmptyValues(t *testing.T) {
	s, _ := NewSealer(testKey(t))
	if v, err := s.Seal(""); v != "" || err != nil {
		t.Errorf("Seal(\"\") = %q, %v", v, err)
	}
	if v, err := s.Open(""); v != "" || err != nil {
		t.Errorf("Open(\"\") = %q, %v", v, err)
	}
}

func TestOpenRejects(t *testing.T) {
	s, _ := NewSealer(testKey(t))
	other, _ := NewSealer(testKey(t))
	sealed, _ := s.Seal("secret")

	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "v1:"))
	raw[len(raw)-1] ^= 0xff
	tampered := "v1:" + base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name   string
		sealer *Sealer
		in     string
		isAuth bool
	}{
		{"plaintext", s, "secret", false},
		{"bad base64", s, "v1:%%%", false},
		{"too short", s, "v1:" + base64.StdEncoding.EncodeToString([]byte("abc")), false},
		{"tampered", s, tampered, true},
		{"wrong key", other, sealed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sealer.Open(tt.in)
			if err == nil {
				t.Fatal("Open() succeeded")
			}
			if errors.Is(err, ErrDecrypt) != tt.isAuth {
				t.Errorf("Open() error = %v, ErrDecrypt %v", err, tt.isAuth)
			}
		})
	}
}
