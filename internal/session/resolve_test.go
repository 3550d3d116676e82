package session

import (
	"testing"

	"github.com/imaryza/isync/internal/config"
)

func TestResolve(t *testing.T) {
	t.Setenv("ISYNC_HOME", t.TempDir())
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	cfg := config.Default()
	cfg.DefaultSession = "van"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "van" {
		t.Errorf("Resolve() with config = %q, want van", got)
	}

	t.Setenv(EnvSession, "depot")
	if got := Resolve(""); got != "depot" {
		t.Errorf("Resolve() with env = %q, want depot", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q", got)
	}
}
