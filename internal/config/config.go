// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config loads the server configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	dapsrv "github.com/dapgdb/dapgdb/internal/dap"
	"github.com/dapgdb/dapgdb/internal/gdb"
)

const DefaultListen = "tcp://127.0.0.1:4711"

var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as a Go duration string ("30s", "1m30s") in the file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if decodeErr := node.Decode(&text); decodeErr != nil {
		return fmt.Errorf("line %d: duration must be a string such as \"30s\": %w", node.Line, decodeErr)
	}
	parsed, parseErr := time.ParseDuration(text)
	if parseErr != nil {
		return fmt.Errorf("line %d: %w", node.Line, parseErr)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type DebuggerConfig struct {
	Path string            `yaml:"path"`
	Args []string          `yaml:"args,omitempty"`
	Env  map[string]string `yaml:"env,omitempty"`
}

type Config struct {
	// Connection string of the DAP server, "tcp://host:port" or "unix:///path".
	Listen string `yaml:"listen"`

	Debugger DebuggerConfig `yaml:"debugger"`

	// How long a client has to send the initialize request. Zero disables the limit.
	HandshakeTimeout Duration `yaml:"handshakeTimeout"`

	// How long each session iteration waits for client data.
	PollInterval Duration `yaml:"pollInterval"`
}

func Default() Config {
	return Config{
		Listen: DefaultListen,
		Debugger: DebuggerConfig{
			Path: gdb.DefaultPath,
		},
		HandshakeTimeout: Duration(dapsrv.DefaultHandshakeTimeout),
		PollInterval:     Duration(dapsrv.DefaultPollInterval),
	}
}

// Load reads the configuration file at path. Settings missing from the file keep their defaults.
func Load(path string) (Config, error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return Config{}, fmt.Errorf("could not read configuration file: %w", openErr)
	}
	defer f.Close()

	cfg, parseErr := Parse(f)
	if parseErr != nil {
		return Config{}, fmt.Errorf("configuration file '%s': %w", path, parseErr)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if decodeErr := decoder.Decode(&cfg); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, decodeErr)
	}

	if validationErr := cfg.Validate(); validationErr != nil {
		return Config{}, validationErr
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if _, parseErr := dapsrv.ParseConnectionString(c.Listen); parseErr != nil {
		errs = append(errs, fmt.Errorf("listen: %w", parseErr))
	}
	if c.Debugger.Path == "" {
		errs = append(errs, errors.New("debugger.path must not be empty"))
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("handshakeTimeout must not be negative"))
	}
	if c.PollInterval < 0 {
		errs = append(errs, errors.New("pollInterval must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Marshal renders the configuration as a YAML document.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if encodeErr := encoder.Encode(c); encodeErr != nil {
		return nil, encodeErr
	}
	if closeErr := encoder.Close(); closeErr != nil {
		return nil, closeErr
	}
	return buf.Bytes(), nil
}

func (c Config) ServeConfig() dapsrv.ServeConfig {
	return dapsrv.ServeConfig{
		ConnectionString: c.Listen,
		HandshakeTimeout: time.Duration(c.HandshakeTimeout),
		PollInterval:     time.Duration(c.PollInterval),
	}
}

func (c Config) BackendConfig() gdb.Config {
	return gdb.Config{
		Path: c.Debugger.Path,
		Args: c.Debugger.Args,
		Env:  c.Debugger.Env,
	}
}
