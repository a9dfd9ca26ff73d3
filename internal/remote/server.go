// Package remote talks to the monitored PostgreSQL servers.
//
// The server registry is a YAML file owned by the operator. Secrets are not
// stored in it: a record names the environment variable holding its
// password, and an optional .env file can provide those variables. dbpulse
// only keeps the server ID in its own store.
package remote

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DefaultPort is used when a server record omits its port.
const DefaultPort = 5432

// Server is one monitored PostgreSQL instance.
type Server struct {
	ID          string `mapstructure:"id" yaml:"id" json:"id" validate:"required,max=64,excludesall=/"`
	Name        string `mapstructure:"name" yaml:"name" json:"name"`
	Host        string `mapstructure:"host" yaml:"host" json:"host" validate:"required"`
	Port        int    `mapstructure:"port" yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	User        string `mapstructure:"user" yaml:"user" json:"user" validate:"required"`
	Password    string `mapstructure:"password" yaml:"password" json:"-"`
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env" json:"-"`
	Database    string `mapstructure:"database" yaml:"database" json:"database" validate:"required"`
	SSLMode     string `mapstructure:"sslmode" yaml:"sslmode" json:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	Enabled     *bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// IsEnabled reports whether the server is collected from. Servers are
// enabled unless the record says otherwise.
func (s Server) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DisplayName returns Name, or the ID when no name is set.
func (s Server) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Validate checks the record.
func (s Server) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("server %q: %w", s.ID, err)
	}
	return nil
}

// password resolves the password at connection time.
func (s Server) password() string {
	if s.PasswordEnv != "" {
		return os.Getenv(s.PasswordEnv)
	}
	return s.Password
}

// DSN returns the lib/pq connection URL of the server.
func (s Server) DSN(connectTimeout time.Duration) string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(s.Host, strconv.Itoa(port)),
		Path:   "/" + s.Database,
	}
	if pw := s.password(); pw != "" {
		u.User = url.UserPassword(s.User, pw)
	} else {
		u.User = url.User(s.User)
	}

	q := url.Values{}
	if s.SSLMode != "" {
		q.Set("sslmode", s.SSLMode)
	}
	q.Set("application_name", "dbpulse")
	if connectTimeout > 0 {
		secs := int(connectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()

	return u.String()
}
