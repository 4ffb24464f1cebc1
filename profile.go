package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// profile is a YAML run description. Unset fields leave the command
// line or the defaults in charge.
type profile struct {
	URLs             []string       `yaml:"urls"`
	Headers          []string       `yaml:"headers"`
	Connect          *string        `yaml:"connect"`
	Concurrency      *uint64        `yaml:"concurrency"`
	Requests         *uint64        `yaml:"requests"`
	MaxConnectErrors *int64         `yaml:"max-connect-errors"`
	HalfClose        *bool          `yaml:"half-close"`
	Method           *string        `yaml:"method"`
	Rate             *uint64        `yaml:"rate"`
	ConnectTimeout   *time.Duration `yaml:"connect-timeout"`
}

func loadProfile(path string) (*profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return parseProfile(data)
}

func parseProfile(data []byte) (*profile, error) {
	p := new(profile)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return p, nil
}
