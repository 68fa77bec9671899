package profile

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsAreUnderProfileDir(t *testing.T) {
	dir := Dir("work")
	for name, path := range map[string]string{
		"socket": SocketPath("work"),
		"db":     DBPath("work"),
		"log":    LogPath("work"),
	} {
		if !strings.HasPrefix(path, dir) {
			t.Errorf("%s path %q not under profile dir %q", name, path, dir)
		}
	}
}

func TestProfilesAreIsolated(t *testing.T) {
	if DBPath("a") == DBPath("b") {
		t.Error("profiles share a database path")
	}
	if SocketPath("a") == SocketPath("b") {
		t.Error("profiles share a socket path")
	}
}

func TestConfigPathIsGlobal(t *testing.T) {
	if got := ConfigPath(); filepath.Base(got) != "config.toml" {
		t.Errorf("ConfigPath() = %q", got)
	}
	if strings.HasPrefix(ConfigPath(), Dir("main")) {
		t.Error("config path should not live inside a profile dir")
	}
}
