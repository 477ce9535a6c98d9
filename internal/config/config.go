// Package config collects the environment-driven settings for the three
// evalgrid binaries (server, worker, client), the way fs/config collects
// rclone's global options. Values are read from EVALGRID_* environment
// variables with sane defaults; cmd/evalgrid wires the same fields to
// pflag flags so either source can set them.
package config

import (
	"os"
	"time"
)

// Duration is a time.Duration that parses the way fs.Duration does
// ("500ms", "2s", "1h"), used for timeouts and poll intervals.
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// Set implements pflag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Type implements pflag.Value.
func (d Duration) Type() string { return "Duration" }

// StoreConfig configures a FileStore instance.
type StoreConfig struct {
	Root           string     // directory holding the content-addressed files
	MaxSize        SizeSuffix // evict down once resident bytes exceed this
	MinSize        SizeSuffix // ...until resident bytes reach this
	DisableHashing bool       // not read by the store; Get does no integrity re-check
}

// DefaultStoreConfig returns the defaults used when no flags/env are set.
func DefaultStoreConfig(root string) StoreConfig {
	return StoreConfig{
		Root:    root,
		MaxSize: SizeSuffix(8 << 30),
		MinSize: SizeSuffix(6 << 30),
	}
}

// ServerConfig configures the Executor's listeners.
type ServerConfig struct {
	ClientAddr      string
	WorkerAddr      string
	StatusAddr      string // optional chi-based HTTP status endpoint, "" disables
	Password        string // if non-empty, the wire protocol is encrypted
	ProtocolVersion string
	StatusPoll      Duration
}

// envOr returns the environment variable's value or a default.
func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

// LoadServerConfig builds a ServerConfig from the environment, then
// callers override specific fields with pflag values.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		ClientAddr:      envOr("EVALGRID_CLIENT_ADDR", ":4280"),
		WorkerAddr:      envOr("EVALGRID_WORKER_ADDR", ":4281"),
		StatusAddr:      envOr("EVALGRID_STATUS_ADDR", ""),
		Password:        os.Getenv("EVALGRID_PASSWORD"),
		ProtocolVersion: envOr("EVALGRID_PROTOCOL_VERSION", "1"),
		StatusPoll:      Duration(time.Second),
	}
}
