package upgrade

import (
	"errors"
	"strings"
	"testing"
)

func TestSchemaStatusErr(t *testing.T) {
	tests := []struct {
		name    string
		status  SchemaStatus
		want    error
		message string
	}{
		{"current", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1}, nil, ""},
		{"empty database", SchemaStatus{RequiredVersion: 1}, ErrSchemaOutdated, "wapipe migrate up"},
		{"dirty", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Dirty: true}, ErrSchemaDirty, "wapipe migrate force 1"},
		{"ahead", SchemaStatus{CurrentVersion: 3, RequiredVersion: 1}, ErrSchemaAhead, "upgrade wapipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.status.Err(); !errors.Is(err, tt.want) {
				t.Errorf("Err() = %v, want %v", err, tt.want)
			}
			msg := FormatError(&tt.status)
			if tt.message == "" {
				if msg != "" {
					t.Errorf("FormatError() = %q, want empty", msg)
				}
				return
			}
			if !strings.Contains(msg, tt.message) {
				t.Errorf("FormatError() = %q, want it to mention %q", msg, tt.message)
			}
		})
	}
}
