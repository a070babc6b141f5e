package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	err := os.WriteFile(configPath, []byte(`{"log_level": "debug", "max_blocks": 10, "snapshot_dir": "/from/file", "dump_code": true}`), 0o644)
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want Config
	}{
		{
			name: "defaults",
			args: []string{"prog.nro"},
			want: Config{LogLevel: "info", LogFormat: "text"},
		},
		{
			name: "file",
			args: []string{"-config-path", configPath, "prog.nro"},
			want: Config{LogLevel: "debug", LogFormat: "text", MaxBlocks: 10, SnapshotDir: "/from/file", DumpCode: true},
		},
		{
			name: "env over file",
			args: []string{"-config-path", configPath, "prog.nro"},
			env:  map[string]string{"A64JIT_MAX_BLOCKS": "99", "A64JIT_LOG_LEVEL": "warn"},
			want: Config{LogLevel: "warn", LogFormat: "text", MaxBlocks: 99, SnapshotDir: "/from/file", DumpCode: true},
		},
		{
			name: "flags over env",
			args: []string{"-config-path", configPath, "-max-blocks", "3", "-dump-code=false", "-raw", "-log-format", "json", "prog.bin"},
			env:  map[string]string{"A64JIT_MAX_BLOCKS": "99", "A64JIT_SNAPSHOT_DIR": "/from/env"},
			want: Config{LogLevel: "debug", LogFormat: "json", MaxBlocks: 3, SnapshotDir: "/from/env", Raw: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, path, err := loadConfig(tt.args, envFrom(tt.env), io.Discard)
			if err != nil {
				t.Fatalf("loadConfig failed: %v", err)
			}
			if path != tt.args[len(tt.args)-1] {
				t.Errorf("image path = %q, want %q", path, tt.args[len(tt.args)-1])
			}
			if diff := cmp.Diff(tt.want, cfg); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"no image", nil, nil},
		{"two images", []string{"a", "b"}, nil},
		{"missing config file", []string{"-config-path", "/does/not/exist.json", "a"}, nil},
		{"bad env", []string{"a"}, map[string]string{"A64JIT_MAX_BLOCKS": "many"}},
		{"negative budget", []string{"-max-blocks", "-1", "a"}, nil},
		{"unknown flag", []string{"-fast", "a"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := loadConfig(tt.args, envFrom(tt.env), io.Discard); err == nil {
				t.Errorf("loadConfig(%q) succeeded", tt.args)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(Config{LogLevel: "trace", LogFormat: "json"}, io.Discard)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}
	if log.GetLevel() != logrus.TraceLevel {
		t.Errorf("level = %v, want trace", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want JSON", log.Formatter)
	}

	if _, err := newLogger(Config{LogLevel: "loud", LogFormat: "text"}, io.Discard); err == nil {
		t.Errorf("newLogger accepted an unknown level")
	}
	if _, err := newLogger(Config{LogLevel: "info", LogFormat: "xml"}, io.Discard); err == nil {
		t.Errorf("newLogger accepted an unknown format")
	}
}
