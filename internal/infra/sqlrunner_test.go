package infra

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantMarker string
		wantBody   string
		wantErr    error
	}{
		{
			name:       "valid marker",
			query:      "\n--sql 0c6f3c1e-5d2a-4b8e-9f47-3a1d2e5b7c90\nselect 1;\n",
			wantMarker: "0c6f3c1e-5d2a-4b8e-9f47-3a1d2e5b7c90",
			wantBody:   "select 1;",
		},
		{
			name:    "missing marker",
			query:   "select 1;",
			wantErr: errMissingMarker,
		},
		{
			name:    "uppercase uuid rejected",
			query:   "--sql 0C6F3C1E-5D2A-4B8E-9F47-3A1D2E5B7C90\nselect 1;",
			wantErr: errMissingMarker,
		},
		{
			name:    "empty",
			query:   "   ",
			wantErr: errEmptyQuery,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, body, err := extractMarker(tc.query)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if marker != tc.wantMarker {
				t.Fatalf("marker = %q, want %q", marker, tc.wantMarker)
			}
			if strings.TrimSpace(body) != tc.wantBody {
				t.Fatalf("body = %q, want %q", body, tc.wantBody)
			}
		})
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("scan: %w", pgx.ErrNoRows)) {
		t.Fatalf("wrapped ErrNoRows not detected")
	}
	if IsNoRows(errors.New("other")) {
		t.Fatalf("unexpected match")
	}
}

func TestPoolSize(t *testing.T) {
	if got := poolSize(1); got != 10 {
		t.Fatalf("poolSize(1) = %d, want 10", got)
	}
	if got := poolSize(8); got != 18 {
		t.Fatalf("poolSize(8) = %d, want 18", got)
	}
}
