// Package config resolves daemon and CLI settings purely from environment
// variables plus hardcoded defaults. Config-file loading/backup/schema
// validation is an explicit external collaborator (spec.md §1); this
// package deliberately stops at environment resolution (see DESIGN.md for
// why BurntSushi/toml was dropped rather than kept for a file layer no
// component here reads).
package config

import (
	"os"
	"strconv"
)

const (
	DefaultExecutorHost = "127.0.0.1"
	DefaultExecutorPort = 4030
	DefaultBranch       = "main"
	DefaultOutputDir    = "/tmp/mcp-shell-outputs"
)

// Daemon is the environment-resolved configuration for cmd/mcp-shell-daemon.
type Daemon struct {
	ExecutorHost string
	ExecutorPort int
	SocketPath   string
	Cwd          string
	Branch       string
	OutputDir    string
	NatsURL      string
}

// LoadDaemon resolves daemon settings from the environment. Cwd defaults to
// the process's working directory when MCP_SHELL_DAEMON_CWD is unset.
func LoadDaemon() (Daemon, error) {
	cwd := os.Getenv("MCP_SHELL_DAEMON_CWD")
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Daemon{}, err
		}
		cwd = wd
	}

	branch := firstNonEmpty(os.Getenv("MCP_SHELL_DAEMON_BRANCH"), os.Getenv("MCP_SHELL_SERVER_BRANCH"), DefaultBranch)

	d := Daemon{
		ExecutorHost: envOr("EXECUTOR_HOST", DefaultExecutorHost),
		ExecutorPort: envIntOr("EXECUTOR_PORT", DefaultExecutorPort),
		SocketPath:   os.Getenv("MCP_SHELL_DAEMON_SOCKET"),
		Cwd:          cwd,
		Branch:       branch,
		OutputDir:    envOr("MCP_SHELL_OUTPUT_DIR", DefaultOutputDir),
		NatsURL:      os.Getenv("EXECUTOR_NATS_URL"),
	}
	return d, nil
}

// Client is the environment-resolved configuration for shell-server-cli.
type Client struct {
	SocketPath string
	Cwd        string
	Branch     string
}

// LoadClient resolves control-client settings from the environment.
func LoadClient() (Client, error) {
	cwd := os.Getenv("MCP_SHELL_DAEMON_CWD")
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Client{}, err
		}
		cwd = wd
	}
	branch := firstNonEmpty(os.Getenv("MCP_SHELL_DAEMON_BRANCH"), os.Getenv("MCP_SHELL_SERVER_BRANCH"), DefaultBranch)
	return Client{
		SocketPath: os.Getenv("MCP_SHELL_DAEMON_SOCKET"),
		Cwd:        cwd,
		Branch:     branch,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
