package session

import (
	"os"

	"github.com/imaryza/isync/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the session when no --session flag is given.
const EnvSession = "ISYNC_SESSION"

// Resolve picks the session name: the flag, then $ISYNC_SESSION, then the
// config file's default_session, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(EnvSession); name != "" {
		return name
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
