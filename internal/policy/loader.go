package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// LoadOptions reads and decodes the rules document at path. Both YAML and
// JSON documents are accepted. Unknown fields are rejected so that typos in
// the rules file surface at load time instead of silently disabling checks.
//
// LoadOptions does not validate semantics; use Compile or LoadSnapshot.
func LoadOptions(path string) (*models.ServerlessRateLimiterOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseOptions(data)
}

// ParseOptions decodes a rules document from memory.
func ParseOptions(data []byte) (*models.ServerlessRateLimiterOptions, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var opts models.ServerlessRateLimiterOptions
	if err := dec.Decode(&opts); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("rules document is empty")
		}
		return nil, fmt.Errorf("decode rules document: %w", err)
	}

	if opts.NotifyChannel == nil {
		opts.NotifyChannel = make(map[models.NotifyID]models.NotifyChannelType)
	}

	return &opts, nil
}

// LoadSnapshot loads, validates, and compiles the rules document at path.
// Every failure, including I/O and decode errors, is returned as *ConfigError
// so callers can treat the whole load as all-or-nothing.
func LoadSnapshot(path string) (*Snapshot, error) {
	opts, err := LoadOptions(path)
	if err != nil {
		return nil, &ConfigError{Errs: []error{fmt.Errorf("load %s: %w", path, err)}}
	}
	return Compile(opts)
}
