package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Connection describes how to reach the remote compute host over SSH
type Connection struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	IdentityFile string `yaml:"identity_file"`
	InstanceID   string `yaml:"instance_id"` // EC2 instance to resolve Host from
}

// Address returns host:port for dialing
func (c Connection) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.port())
}

func (c Connection) port() int {
	if c.Port == 0 {
		return 22
	}
	return c.Port
}

// String renders the descriptor as user@host:port
func (c Connection) String() string {
	if c.User == "" {
		return c.Address()
	}
	return fmt.Sprintf("%s@%s", c.User, c.Address())
}

// ParseConnection parses a user@host:port descriptor; user and port are optional
func ParseConnection(s string) (Connection, error) {
	var conn Connection
	s = strings.TrimSpace(s)
	if s == "" {
		return conn, fmt.Errorf("empty connection descriptor")
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		conn.User = s[:at]
		s = s[at+1:]
	}
	conn.Host = s
	if colon := strings.LastIndex(s, ":"); colon >= 0 {
		port, err := strconv.Atoi(s[colon+1:])
		if err != nil {
			return conn, fmt.Errorf("invalid port in %q: %w", s, err)
		}
		conn.Host = s[:colon]
		conn.Port = port
	}
	if conn.Host == "" {
		return conn, fmt.Errorf("missing host in connection descriptor")
	}
	return conn, nil
}
