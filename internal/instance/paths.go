package instance

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatd, or $CHATD_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATD_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatd")
}

// Dir returns the instance-specific data directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// AdminSocketPath returns the unix socket path of the admin gRPC server.
func AdminSocketPath(name string) string {
	return filepath.Join(Dir(name), "admin.sock")
}

// DBPath returns the chat database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
