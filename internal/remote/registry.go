package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"dbpulse/internal/config"
)

// ErrUnknownServer is returned for a server ID absent from the registry.
var ErrUnknownServer = errors.New("unknown server")

// Registry supplies the monitored servers.
type Registry interface {
	// Servers returns every registered server, enabled or not.
	Servers(ctx context.Context) ([]Server, error)
}

// Enabled returns the enabled servers of r.
func Enabled(ctx context.Context, r Registry) ([]Server, error) {
	all, err := r.Servers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Server, 0, len(all))
	for _, s := range all {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Lookup returns the server with the given ID.
func Lookup(ctx context.Context, r Registry, id string) (Server, error) {
	all, err := r.Servers(ctx)
	if err != nil {
		return Server{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return Server{}, fmt.Errorf("%w: %s", ErrUnknownServer, id)
}

// StaticRegistry is a fixed list of servers.
type StaticRegistry []Server

func (r StaticRegistry) Servers(context.Context) ([]Server, error) {
	return append([]Server(nil), r...), nil
}

// registryFile is the layout of the registry YAML file.
type registryFile struct {
	Servers []Server `mapstructure:"servers"`
}

// FileRegistry is a registry read from a YAML file.
//
// Example:
//
//	servers:
//	  - id: orders-primary
//	    host: db1.internal
//	    user: monitor
//	    password_env: ORDERS_PG_PASSWORD
//	    database: orders
//	    sslmode: require
type FileRegistry struct {
	path string

	mu      sync.RWMutex
	servers []Server
}

// LoadRegistry reads the registry file named by cfg. The env file, when it
// exists, is loaded first so password_env references resolve; variables
// already set in the environment win. A missing registry file yields an
// empty registry.
func LoadRegistry(cfg config.RegistryConfig) (*FileRegistry, error) {
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err == nil {
			log.Info().Str("env_file", cfg.EnvFile).Msg("Loaded registry secrets")
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", cfg.EnvFile, err)
		}
	}

	r := &FileRegistry{path: cfg.Path}
	if _, err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and returns the IDs of the servers that
// were enabled before and are now removed or disabled. The previous server
// list is kept when the file is invalid.
func (r *FileRegistry) Reload() ([]string, error) {
	servers, err := readRegistry(r.path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	previous := r.servers
	r.servers = servers
	r.mu.Unlock()

	retired := Retired(previous, servers)
	log.Info().
		Str("path", r.path).
		Int("servers", len(servers)).
		Strs("retired", retired).
		Msg("Server registry loaded")
	return retired, nil
}

// Retired returns the IDs of the enabled servers of before that are missing
// or disabled in after.
func Retired(before, after []Server) []string {
	still := make(map[string]bool, len(after))
	for _, s := range after {
		if s.IsEnabled() {
			still[s.ID] = true
		}
	}

	var out []string
	for _, s := range before {
		if s.IsEnabled() && !still[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

func (r *FileRegistry) Servers(context.Context) ([]Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Server(nil), r.servers...), nil
}

func readRegistry(path string) ([]Server, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("Server registry not found, no servers will be collected")
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read server registry %s: %w", path, err)
	}

	var file registryFile
	if err := v.Unmarshal(&file, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to decode server registry %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Servers))
	for i := range file.Servers {
		s := &file.Servers[i]
		s.ID = strings.TrimSpace(s.ID)
		s.SSLMode = strings.ToLower(s.SSLMode)

		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("server registry %s, entry %d: %w", path, i, err)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("server registry %s: duplicate server id %q", path, s.ID)
		}
		seen[s.ID] = true

		if s.PasswordEnv != "" && os.Getenv(s.PasswordEnv) == "" {
			log.Warn().
				Str("server", s.ID).
				Str("password_env", s.PasswordEnv).
				Msg("Password variable is not set")
		}
	}
	return file.Servers, nil
}
