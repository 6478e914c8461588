package services

import (
	"strings"
	"testing"

	"github.com/convoops/go-callback-backend/internal/apperr"
)

func TestExtractIdentifier(t *testing.T) {
	body := map[string]any{
		"entry": []any{
			map[string]any{
				"changes": []any{
					map[string]any{
						"value": map[string]any{"wa_id": "4915112345678"},
					},
				},
			},
		},
	}

	got, err := extractIdentifier(body, "entry.0.changes.0.value.wa_id")
	if err != nil {
		t.Fatalf("extractIdentifier: %v", err)
	}
	if got != "4915112345678" {
		t.Fatalf("identifier = %q", got)
	}
}

func TestExtractIdentifier_Failures(t *testing.T) {
	body := map[string]any{
		"user": map[string]any{"id": "u1", "age": float64(30)},
		"list": []any{"a"},
	}
	cases := []struct {
		name, path string
	}{
		{"missing key", "user.name"},
		{"index out of range", "list.5"},
		{"non-numeric index", "list.first"},
		{"descend into scalar", "user.id.deeper"},
		{"non-string leaf", "user.age"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := extractIdentifier(body, tc.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if apperr.KindOf(err) != apperr.KindAuth {
				t.Fatalf("kind = %v, want auth", apperr.KindOf(err))
			}
			want := "Cannot find identifier at path '" + tc.path + "' in request data!"
			if err.Error() != want {
				t.Fatalf("error = %q, want %q", err.Error(), want)
			}
		})
	}
}

func TestRandHex(t *testing.T) {
	a, b := randHex(16), randHex(16)
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("lengths = %d, %d", len(a), len(b))
	}
	if a == b {
		t.Fatal("two draws collided")
	}
	if strings.ToLower(a) != a {
		t.Fatalf("not lowercase hex: %q", a)
	}
}
