// Package config loads connection options from a YAML file, an optional
// convenience for callers that would rather check connect options into a
// repo than construct a docql.ConnectOpts literal in Go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a connect-options YAML document:
//
//	host: db.internal
//	port: 28015
//	db: app
//	auth_key: ${AUTH_KEY}
//	timeout: 10s
type File struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DB      string `yaml:"db"`
	AuthKey string `yaml:"auth_key"`
	Timeout string `yaml:"timeout"`
}

// LoadFile reads and parses path into a File. Timeout is left as a string
// here (rather than time.Duration) because yaml.v3 does not natively decode
// Go duration strings; callers resolve it with ParseTimeout.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// ParseTimeout resolves the file's Timeout field, defaulting to def when
// the field is empty.
func (f *File) ParseTimeout(def time.Duration) (time.Duration, error) {
	if f.Timeout == "" {
		return def, nil
	}
	d, err := time.ParseDuration(f.Timeout)
	if err != nil {
		return 0, fmt.Errorf("config: invalid timeout %q: %w", f.Timeout, err)
	}
	return d, nil
}
