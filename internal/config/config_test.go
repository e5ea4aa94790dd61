package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Delivery.DebounceWindowMs != 30000 || cfg.Delivery.MaxChunkChars != 300 {
		t.Errorf("unexpected defaults: %+v", cfg.Delivery)
	}
}

func TestLoadDelivery(t *testing.T) {
	path := writeConfig(t, `{
		// json5 comments are allowed
		delivery: {
			debounce_window_ms: 2000,
			max_window_ms: 10000,
			min_chunk_delay_ms: 1000,
			max_chunk_delay_ms: 3000,
		},
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d := cfg.Delivery
	if d.DebounceWindowMs != 2000 || d.MaxWindowMs != 10000 || d.MinChunkDelayMs != 1000 || d.MaxChunkDelayMs != 3000 {
		t.Errorf("Delivery = %+v", d)
	}
	if got := d.DebounceWindowMs.Duration().Seconds(); got != 2 {
		t.Errorf("Duration() = %vs, want 2s", got)
	}
}

func TestLoadRejectsInvalidTiming(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative", `{delivery: {debounce_window_ms: -1}}`},
		{"above 2^31-1", `{delivery: {max_window_ms: 2147483648}}`},
		{"string", `{delivery: {debounce_window_ms: "30s"}}`},
		{"fraction", `{delivery: {min_chunk_delay_ms: 1.5}}`},
		{"min above max", `{delivery: {min_chunk_delay_ms: 5000, max_chunk_delay_ms: 1000}}`},
		{"cap below window", `{delivery: {debounce_window_ms: 5000, max_window_ms: 1000}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("Load() succeeded, want error")
			}
		})
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("WAPIPE_DEBOUNCE_WINDOW_MS", "soon")
	_, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("Load() error = %v, want ErrInvalidDuration", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WAPIPE_MAX_CHUNK_DELAY_MS", "4000")
	t.Setenv("WAPIPE_POSTGRES_DSN", "postgres://localhost/wapipe")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Delivery.MaxChunkDelayMs != 4000 {
		t.Errorf("MaxChunkDelayMs = %d, want 4000", cfg.Delivery.MaxChunkDelayMs)
	}
	if cfg.Database.Backend != "postgres" {
		t.Errorf("Backend = %q, want postgres when a DSN is set", cfg.Database.Backend)
	}
}

func TestParseMillis(t *testing.T) {
	tests := []struct {
		in      string
		want    Millis
		wantErr bool
	}{
		{"0", 0, false},
		{"2147483647", MaxTimerMs, false},
		{"2147483648", 0, true},
		{"-5", 0, true},
		{"NaN", 0, true},
		{"Infinity", 0, true},
		{"1e3", 0, true},
		{`"100"`, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMillis(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMillis(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMillis(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWatcherReloadKeepsPreviousOnInvalid(t *testing.T) {
	path := writeConfig(t, `{delivery: {debounce_window_ms: 1000, max_window_ms: 5000}}`)
	initial, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	var applied []*Config
	w := NewWatcher(path, initial, func(c *Config) { applied = append(applied, c) })

	if w.Reload() {
		t.Fatal("Reload() applied an unchanged config")
	}

	if err := os.WriteFile(path, []byte(`{delivery: {debounce_window_ms: -3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if w.Reload() {
		t.Fatal("Reload() applied an invalid config")
	}

	if err := os.WriteFile(path, []byte(`{delivery: {debounce_window_ms: 2000, max_window_ms: 5000}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if !w.Reload() {
		t.Fatal("Reload() ignored a valid change")
	}
	if len(applied) != 1 || applied[0].Delivery.DebounceWindowMs != 2000 {
		t.Errorf("applied = %+v", applied)
	}
}
