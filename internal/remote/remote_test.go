package remote

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbpulse/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestServerDSN(t *testing.T) {
	t.Setenv("DBPULSE_TEST_PG_PASSWORD", "p@ss word")

	s := Server{
		ID:          "orders",
		Host:        "db1.internal",
		User:        "monitor",
		PasswordEnv: "DBPULSE_TEST_PG_PASSWORD",
		Database:    "orders",
		SSLMode:     "require",
	}

	u, err := url.Parse(s.DSN(10 * time.Second))
	require.NoError(t, err)

	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db1.internal:5432", u.Host)
	assert.Equal(t, "/orders", u.Path)
	assert.Equal(t, "monitor", u.User.Username())
	pw, ok := u.User.Password()
	assert.True(t, ok)
	assert.Equal(t, "p@ss word", pw)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Equal(t, "10", u.Query().Get("connect_timeout"))

	t.Run("no password and sub-second timeout", func(t *testing.T) {
		s := Server{ID: "x", Host: "::1", Port: 6432, User: "u", Database: "d"}
		u, err := url.Parse(s.DSN(200 * time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, "[::1]:6432", u.Host)
		_, ok := u.User.Password()
		assert.False(t, ok)
		assert.Equal(t, "1", u.Query().Get("connect_timeout"))
		assert.Empty(t, u.Query().Get("sslmode"))
	})
}

func TestServerValidate(t *testing.T) {
	valid := Server{ID: "a", Host: "h", User: "u", Database: "d"}
	assert.NoError(t, valid.Validate())
	assert.True(t, valid.IsEnabled())
	assert.Equal(t, "a", valid.DisplayName())

	tests := []struct {
		name   string
		mutate func(*Server)
	}{
		{"missing id", func(s *Server) { s.ID = "" }},
		{"slash in id", func(s *Server) { s.ID = "a/b" }},
		{"missing host", func(s *Server) { s.Host = "" }},
		{"bad port", func(s *Server) { s.Port = 70000 }},
		{"bad sslmode", func(s *Server) { s.SSLMode = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	envFile := filepath.Join(dir, ".env")

	writeFile(t, path, `
servers:
  - id: orders
    name: Orders primary
    host: db1.internal
    user: monitor
    password_env: DBPULSE_REGISTRY_TEST_PW
    database: orders
    sslmode: REQUIRE
  - id: reporting
    host: db2.internal
    port: 6432
    user: monitor
    database: reporting
    enabled: false
`)
	writeFile(t, envFile, "DBPULSE_REGISTRY_TEST_PW=secret\n")
	t.Cleanup(func() { os.Unsetenv("DBPULSE_REGISTRY_TEST_PW") })

	r, err := LoadRegistry(config.RegistryConfig{Path: path, EnvFile: envFile})
	require.NoError(t, err)

	ctx := context.Background()
	all, err := r.Servers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "require", all[0].SSLMode)
	assert.Equal(t, "secret", all[0].password())
	assert.Equal(t, 6432, all[1].Port)

	enabled, err := Enabled(ctx, r)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "orders", enabled[0].ID)

	s, err := Lookup(ctx, r, "reporting")
	require.NoError(t, err)
	assert.False(t, s.IsEnabled())

	_, err = Lookup(ctx, r, "nope")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestLoadRegistryEdgeCases(t *testing.T) {
	t.Run("missing files give an empty registry", func(t *testing.T) {
		dir := t.TempDir()
		r, err := LoadRegistry(config.RegistryConfig{
			Path:    filepath.Join(dir, "servers.yaml"),
			EnvFile: filepath.Join(dir, ".env"),
		})
		require.NoError(t, err)
		servers, err := r.Servers(context.Background())
		require.NoError(t, err)
		assert.Empty(t, servers)
	})

	t.Run("duplicate ids are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "servers.yaml")
		writeFile(t, path, `
servers:
  - {id: a, host: h, user: u, database: d}
  - {id: a, host: h2, user: u, database: d}
`)
		_, err := LoadRegistry(config.RegistryConfig{Path: path})
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("invalid record is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "servers.yaml")
		writeFile(t, path, `
servers:
  - {id: a, user: u, database: d}
`)
		_, err := LoadRegistry(config.RegistryConfig{Path: path})
		assert.Error(t, err)
	})
}

func TestFileRegistryReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	writeFile(t, path, `
servers:
  - {id: a, host: h1, user: u, database: d}
  - {id: b, host: h2, user: u, database: d}
  - {id: c, host: h3, user: u, database: d}
`)
	r, err := LoadRegistry(config.RegistryConfig{Path: path})
	require.NoError(t, err)

	writeFile(t, path, `
servers:
  - {id: a, host: h1, user: u, database: d}
  - {id: c, host: h3, user: u, database: d, enabled: false}
  - {id: d, host: h4, user: u, database: d}
`)
	retired, err := r.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, retired)

	enabled, err := Enabled(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "d", enabled[1].ID)

	// A broken file keeps the previous list.
	writeFile(t, path, "servers: [{id: a}]\n")
	_, err = r.Reload()
	assert.Error(t, err)
	all, err := r.Servers(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStaticRegistry(t *testing.T) {
	off := false
	r := StaticRegistry{{ID: "a"}, {ID: "b", Enabled: &off}}

	enabled, err := Enabled(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].ID)
}

func TestPostgresSourcePools(t *testing.T) {
	// sql.Open does not connect, so pools can be managed without a server.
	p := NewPostgresSource(DefaultPoolOptions(time.Second))
	defer p.Close()

	s := Server{ID: "a", Host: "127.0.0.1", User: "u", Database: "d"}
	db1, err := p.pool(s)
	require.NoError(t, err)
	db2, err := p.pool(s)
	require.NoError(t, err)
	assert.Same(t, db1, db2)

	s.Port = 6432
	db3, err := p.pool(s)
	require.NoError(t, err)
	assert.NotSame(t, db1, db3)

	p.Forget("a")
	assert.Empty(t, p.pools)
}
