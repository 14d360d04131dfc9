package rhi_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gogpu/rhi"
)

func TestDefaultConfig(t *testing.T) {
	c := rhi.DefaultConfig()
	if c.FramesInFlight != rhi.DefaultFramesInFlight {
		t.Errorf("FramesInFlight = %d, want %d", c.FramesInFlight, rhi.DefaultFramesInFlight)
	}
	if c.Heaps.CBVSRVUAV != rhi.DefaultCBVSRVUAVDescriptors || c.Heaps.DSV != rhi.DefaultDSVDescriptors {
		t.Errorf("Heaps = %+v", c.Heaps)
	}
	if c.BufferPool.MaxEntries != rhi.DefaultPoolEntries || c.BufferPool.MaxBytes != rhi.DefaultPoolBytes {
		t.Errorf("BufferPool = %+v", c.BufferPool)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    rhi.Config
		wantErr bool
	}{
		{
			name:  "empty",
			input: "",
			want:  rhi.Config{},
		},
		{
			name: "partial",
			input: `
backend = "software"
frames_in_flight = 3

[heaps]
rtv = 16

[buffer_pool]
max_entries = 8
`,
			want: rhi.Config{
				Backend:        "software",
				FramesInFlight: 3,
				Heaps:          rhi.HeapConfig{RTV: 16},
				BufferPool:     rhi.PoolConfig{MaxEntries: 8},
			},
		},
		{name: "unknown key", input: "frames = 2\n", wantErr: true},
		{name: "unknown table key", input: "[heaps]\nuav = 2\n", wantErr: true},
		{name: "frames out of range", input: "frames_in_flight = 9\n", wantErr: true},
		{name: "negative frames", input: "frames_in_flight = -1\n", wantErr: true},
		{name: "negative pool entries", input: "[texture_pool]\nmax_entries = -4\n", wantErr: true},
		{name: "malformed", input: "backend = \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rhi.ParseConfig([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, rhi.ErrInvalidConfig) || !errors.Is(err, rhi.ErrValidation) {
					t.Errorf("ParseConfig() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConfig() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestConfigEncodeRoundTrip(t *testing.T) {
	c := rhi.Config{Backend: rhi.BackendSoftware, FramesInFlight: 3, Heaps: rhi.HeapConfig{Samplers: 32}}
	data, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := rhi.ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig(Encode()) error = %v\n%s", err, data)
	}

	want := rhi.DefaultConfig()
	want.Backend = rhi.BackendSoftware
	want.FramesInFlight = 3
	want.Heaps.Samplers = 32
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rhi.toml")
	if err := os.WriteFile(path, []byte("frames_in_flight = 4\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := rhi.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if c.FramesInFlight != 4 {
		t.Errorf("FramesInFlight = %d, want 4", c.FramesInFlight)
	}

	if _, err := rhi.LoadConfig(filepath.Join(dir, "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig(missing) error = %v, want os.ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("frames_in_flight = 100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := rhi.LoadConfig(bad); !errors.Is(err, rhi.ErrInvalidConfig) {
		t.Errorf("LoadConfig(bad) error = %v, want ErrInvalidConfig", err)
	}
}
