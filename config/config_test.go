package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
[device]
port = "/dev/ttyACM0"
baud = 57600
ack-timeout = "3s"

[loader]
image = "build/app.image"
il-chunk = 16
max-methods = 200
reset-grace = "100ms"
suppress-type-init = ["System.String"]

[[replacement]]
original = "System.Text.StringBuilder"
replacement = "Device.Text.MiniBuilder"

[[replacement]]
original = "System.Collections.ArrayList"
replacement = "Device.Collections.List"
subclasses = true

[journal]
path = "state/journal.db"

[log]
verbosity = 1
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Device.Port != "/dev/ttyACM0" || c.Device.Baud != 57600 {
		t.Errorf("device = %+v", c.Device)
	}
	if c.Device.AckTimeout.Duration != 3*time.Second {
		t.Errorf("ack-timeout = %s, want 3s", c.Device.AckTimeout)
	}
	if c.Loader.ILChunk != 16 || c.Loader.MaxMethods != 200 {
		t.Errorf("loader = %+v", c.Loader)
	}
	if len(c.Replacements) != 2 || !c.Replacements[1].Subclasses {
		t.Errorf("replacements = %+v", c.Replacements)
	}
	if c.Log.Verbosity != 1 {
		t.Errorf("verbosity = %d, want 1", c.Log.Verbosity)
	}
	if got, want := c.JournalPath(), filepath.Join(c.Dir, "state", "journal.db"); got != want {
		t.Errorf("JournalPath = %q, want %q", got, want)
	}

	opts := c.LoaderOptions()
	if opts.ILChunkSize != 16 || opts.ResetGrace != 100*time.Millisecond {
		t.Errorf("loader options = %+v", opts)
	}
	if opts.Closure.MaxMethods != 200 || len(opts.Closure.Replacements) != 2 {
		t.Errorf("closure options = %+v", opts.Closure)
	}
	if opts.Closure.Replacements[0].Replacement != "Device.Text.MiniBuilder" {
		t.Errorf("replacement = %+v", opts.Closure.Replacements[0])
	}
	if lo := c.LinkOptions(); lo.AckTimeout != 3*time.Second {
		t.Errorf("link ack timeout = %s", lo.AckTimeout)
	}
}

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Device.Baud != 115200 {
		t.Errorf("baud = %d, want 115200", c.Device.Baud)
	}
	if c.Loader.ILChunk != 20 || c.Loader.TokenPairs != 4 || c.Loader.SignatureChunk != 16 {
		t.Errorf("loader defaults = %+v", c.Loader)
	}
	if c.Loader.ResetGrace.Duration != 250*time.Millisecond {
		t.Errorf("reset-grace = %s, want 250ms", c.Loader.ResetGrace)
	}
	if c.JournalPath() != filepath.Join(".xload", "journal.db") {
		t.Errorf("JournalPath = %q", c.JournalPath())
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown section", "[server]\nport = 1\n"},
		{"unknown key", "[device]\nspeed = 9600\n"},
		{"chunk too large", "[loader]\nil-chunk = 500\n"},
		{"bad duration", "[loader]\nreset-grace = \"soon\"\n"},
		{"negative baud", "[device]\nbaud = -1\n"},
		{"replacement without target", "[[replacement]]\noriginal = \"A.B\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content)); !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse: got %v, want ErrInvalid", err)
			}
		})
	}

	if _, err := Parse([]byte("[device\n")); err == nil {
		t.Error("malformed TOML should fail")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[device]\nport = \"tcp://localhost:3030\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "src", "app")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("expected config, got nil")
	}
	if c.Device.Port != "tcp://localhost:3030" {
		t.Errorf("port = %q", c.Device.Port)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestFindAndLoad_NotFound(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil, got %+v", c)
	}
}
