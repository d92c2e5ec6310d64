package gede

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials are the login credentials of a concentrator.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CredentialStore resolves the credentials to use for an address. Addresses
// without an override use the defaults.
type CredentialStore struct {
	Defaults      Credentials            `yaml:"defaults"`
	Concentrators map[string]Credentials `yaml:"concentrators"`
}

// For returns the credentials for address. Empty override fields fall back
// to the defaults.
func (s *CredentialStore) For(address string) Credentials {
	c := s.Defaults
	if o, ok := s.Concentrators[address]; ok {
		if o.Username != "" {
			c.Username = o.Username
		}
		if o.Password != "" {
			c.Password = o.Password
		}
	}
	return c
}

// LoadCredentials reads a YAML credentials file on top of the given
// defaults.
//
//	defaults:
//	  username: admin
//	  password: secret
//	concentrators:
//	  10.0.120.52:
//	    password: other
func LoadCredentials(path string, defaults Credentials) (*CredentialStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return ParseCredentials(data, defaults)
}

// ParseCredentials decodes a YAML credentials document.
func ParseCredentials(data []byte, defaults Credentials) (*CredentialStore, error) {
	s := &CredentialStore{Defaults: defaults}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	if s.Defaults.Username == "" {
		s.Defaults.Username = defaults.Username
	}
	if s.Defaults.Password == "" {
		s.Defaults.Password = defaults.Password
	}
	return s, nil
}
