package device

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"time"
)

// Host exposes the machine signals a fingerprint is derived from.
// Tests substitute a fake to simulate other operating systems.
type Host interface {
	GOOS() string
	GOARCH() string
	Hostname() (string, error)
	Username() string
	HomeDir() string
	Getenv(key string) string
	ReadFile(path string) ([]byte, error)
	// Command runs name with args and returns its stdout.
	Command(ctx context.Context, name string, args ...string) ([]byte, error)
}

// commandTimeout bounds each probe subprocess.
const commandTimeout = 3 * time.Second

// OSHost reads the real machine.
type OSHost struct{}

func (OSHost) GOOS() string   { return runtime.GOOS }
func (OSHost) GOARCH() string { return runtime.GOARCH }

func (OSHost) Hostname() (string, error) { return os.Hostname() }

func (OSHost) Username() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return os.Getenv("USERNAME")
}

func (OSHost) HomeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

func (OSHost) Getenv(key string) string { return os.Getenv(key) }

func (OSHost) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 -- fixed probe paths
}

func (OSHost) Command(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output() // #nosec G204 -- fixed probe commands
}
