// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"toolmesh/pkg/errors"
)

// Store reads and writes the persisted configuration document.
// Saves are atomic: the document is written to a temp file and renamed so a
// failed write never corrupts the prior state.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a store for the configuration file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the configuration file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted configuration. A missing file is not an error:
// it yields an empty configuration with global defaults applied. Malformed
// document text fails fast with a ParseError, distinct from validation
// failure.
func (s *Store) Load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.ParseError{Path: s.path, Cause: err}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save validates and persists the configuration. It refuses to write when
// validation fails, leaving the prior persisted state untouched.
func (s *Store) Save(cfg *Config) error {
	result := Validate(cfg)
	if !result.Valid {
		return &errors.ValidationError{Errors: result.Errors, Warnings: result.Warnings}
	}
	for _, warning := range result.Warnings {
		s.logger.Warn("configuration warning", "warning", warning)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

// AddServer adds a new server descriptor under a read-modify-write cycle.
func (s *Store) AddServer(id string, desc *ServerDescriptor) error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	if _, exists := cfg.Servers[id]; exists {
		return &errors.ValidationError{
			Errors: []string{fmt.Sprintf("server %q already exists", id)},
		}
	}
	cfg.Servers[id] = desc
	if err := s.Save(cfg); err != nil {
		return err
	}
	s.logger.Info("server added", "server", id, "type", string(desc.Type))
	return nil
}

// UpdateServer replaces an existing server descriptor.
func (s *Store) UpdateServer(id string, desc *ServerDescriptor) error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	if _, exists := cfg.Servers[id]; !exists {
		return &errors.NotFoundError{Resource: "server", ID: id}
	}
	cfg.Servers[id] = desc
	if err := s.Save(cfg); err != nil {
		return err
	}
	s.logger.Info("server updated", "server", id)
	return nil
}

// RemoveServer deletes a server descriptor. Removal fails validation when
// another server or chain still references the id.
func (s *Store) RemoveServer(id string) error {
	cfg, err := s.Load()
	if err != nil {
		return err
	}
	if _, exists := cfg.Servers[id]; !exists {
		return &errors.NotFoundError{Resource: "server", ID: id}
	}
	delete(cfg.Servers, id)
	if err := s.Save(cfg); err != nil {
		return err
	}
	s.logger.Info("server removed", "server", id)
	return nil
}
