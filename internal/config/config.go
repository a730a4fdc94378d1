// Package config defines the thin external-configuration surface this
// module consumes. Full YAML/JSON configuration loading is an external
// collaborator, out of scope per the framework's design; this package only
// resolves the handful of environment-driven settings the rpc package
// needs (the RPC peer address, the reconnect delay). The log level is read
// from the environment by internal/obs directly, not through this package.
package config

import (
	"os"
	"strconv"
)

// Source resolves named configuration values, falling back to a default.
type Source interface {
	String(key, def string) string
	Int(key string, def int) int
}

// EnvSource resolves configuration from process environment variables.
type EnvSource struct{}

func (EnvSource) String(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (EnvSource) Int(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// DefaultSocket is the RPC peer address used when APP_SOCKET is unset.
const DefaultSocket = "unix:///var/run/arduino-router.sock"

// SocketEnv is the environment variable overriding the default RPC peer
// address.
const SocketEnv = "APP_SOCKET"

// Socket resolves the RPC peer address from src.
func Socket(src Source) string {
	if src == nil {
		src = EnvSource{}
	}
	return src.String(SocketEnv, DefaultSocket)
}
