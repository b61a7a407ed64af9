package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDemoCmd_ThreadEnvironment(t *testing.T) {
	cmd := NewDemoCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--env", "thread", "--count", "3"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	text := out.String()
	for _, want := range []string{"2", "4", "6", "done: 3 values"} {
		if !strings.Contains(text, want) {
			t.Errorf("output %q missing %q", text, want)
		}
	}
}

func TestDemoCmd_UnknownEnvironment(t *testing.T) {
	cmd := NewDemoCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--env", "fibers"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("Execute() error = nil, want error")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitInvalid {
		t.Errorf("Execute() error = %v, want ExitError with code %d", err, exitInvalid)
	}
}

func TestLogConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	os.WriteFile(good, []byte(
		"version: 1\nhandlers:\n  console:\n    class: console\nroot:\n  level: info\n  handlers: [console]\n",
	), 0o644)
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("version: 7\n"), 0o644)

	cmd := NewLogConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", good})
	if err := cmd.Execute(); err != nil {
		t.Errorf("validate on good config error = %v", err)
	}

	cmd = NewLogConfigCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"validate", bad})
	if err := cmd.Execute(); err == nil {
		t.Error("validate on bad config error = nil, want error")
	}
}

func TestLogConfigProfile(t *testing.T) {
	cmd := NewLogConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"profile", "prod", "--file", "/var/log/puma.log"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "timed_rotating_file") {
		t.Errorf("prod profile output missing rotating handler:\n%s", text)
	}
	if !strings.Contains(text, "/var/log/puma.log") {
		t.Errorf("prod profile output missing file path:\n%s", text)
	}
}
