// Package credentials loads service secrets from standard locations.
//
// A credentials.toml holds one section per service:
//
//	[gateway]
//	token = "..."        # shared secret chat adapters present on the RPC endpoint
//
//	[nats]
//	token = "..."        # or user + password
//
//	[postgres]
//	password = "..."
//
// Every value can also come from the environment as
// TASKBOARD_<SECTION>_<KEY>, e.g. TASKBOARD_NATS_TOKEN.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions rejects a credentials file anyone but its
// owner could read or write.
var ErrInsecurePermissions = errors.New("credentials file has insecure permissions")

// PathEnv names a credentials file to use instead of the standard paths.
const PathEnv = "TASKBOARD_CREDENTIALS"

// Credentials are the secrets of one deployment. A nil *Credentials is
// valid and reads everything from the environment.
type Credentials struct {
	Gateway  GatewayCreds  `toml:"gateway"`
	NATS     NATSCreds     `toml:"nats"`
	Postgres PostgresCreds `toml:"postgres"`
}

// GatewayCreds hold the bearer token adapters present to the RPC endpoint.
type GatewayCreds struct {
	Token string `toml:"token"`
}

type NATSCreds struct {
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// PostgresCreds keep the password out of store.dsn.
type PostgresCreds struct {
	Password string `toml:"password"`
}

// StandardPaths lists where Load looks, first match wins: the working
// directory, the user config directory, then /etc/taskboard.
func StandardPaths() []string {
	const name = "credentials.toml"
	paths := []string{name}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "taskboard", name))
	}
	return append(paths, filepath.Join(string(filepath.Separator), "etc", "taskboard", name))
}

// Load reads the file named by TASKBOARD_CREDENTIALS, or else the first
// of StandardPaths that exists. Finding no file is not an error: it
// returns nil credentials and an empty path.
func Load() (*Credentials, string, error) {
	if path := os.Getenv(PathEnv); path != "" {
		creds, err := LoadFile(path)
		return creds, path, err
	}
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		creds, err := LoadFile(path)
		return creds, path, err
	}
	return nil, "", nil
}

// LoadFile parses path. Outside Windows the file must be mode 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if perm := info.Mode().Perm(); perm != 0o400 {
			return nil, fmt.Errorf("%w: %s is %04o, want 0400", ErrInsecurePermissions, path, perm)
		}
	}
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &creds, nil
}

// GatewayToken returns the RPC token. Priority: file > environment.
func (c *Credentials) GatewayToken() string {
	if c != nil && c.Gateway.Token != "" {
		return c.Gateway.Token
	}
	return env("gateway", "token")
}

// NATSAuth returns the bus token, user and password.
func (c *Credentials) NATSAuth() (token, user, password string) {
	if c != nil {
		token, user, password = c.NATS.Token, c.NATS.User, c.NATS.Password
	}
	if token == "" {
		token = env("nats", "token")
	}
	if user == "" {
		user = env("nats", "user")
	}
	if password == "" {
		password = env("nats", "password")
	}
	return token, user, password
}

// PostgresPassword returns the database password.
func (c *Credentials) PostgresPassword() string {
	if c != nil && c.Postgres.Password != "" {
		return c.Postgres.Password
	}
	return env("postgres", "password")
}

// envVar is TASKBOARD_<SECTION>_<KEY>.
func envVar(section, key string) string {
	return "TASKBOARD_" + strings.ToUpper(section) + "_" + strings.ToUpper(key)
}

func env(section, key string) string {
	return os.Getenv(envVar(section, key))
}
