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

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"toolmesh/internal/log"
	"toolmesh/internal/registry"
	"toolmesh/pkg/errors"
)

// Service runs discovery against the registry and maintains the cached
// catalog artifact. The in-memory catalog is swapped atomically, so readers
// always see a complete snapshot.
type Service struct {
	registry *registry.Registry
	path     string
	logger   *slog.Logger
	maxAge   time.Duration

	mu      sync.RWMutex
	current *Catalog
}

// NewService creates a catalog service caching to path. An empty path
// disables the on-disk artifact.
func NewService(reg *registry.Registry, path string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: reg,
		path:     path,
		logger:   log.WithComponent(logger, "catalog"),
		maxAge:   DefaultMaxAge,
	}
}

// Current returns the in-memory catalog snapshot, or nil when discovery has
// not run and no cache was loaded.
func (s *Service) Current() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Discover queries every registered server's tool inventory concurrently.
// A failing server does not abort discovery: it is recorded with status
// "error" and zero tools, and the remaining servers contribute normally.
func (s *Service) Discover(ctx context.Context) (*Catalog, error) {
	ids := s.registry.IDs()

	type outcome struct {
		id    string
		tools []ToolEntry
		err   error
	}
	outcomes := make([]outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			tools, err := s.discoverServer(gctx, id)
			outcomes[i] = outcome{id: id, tools: tools, err: err}
			// Per-server failures are recorded, never propagated; only a
			// cancelled parent context stops the group.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cat := &Catalog{
		Tools:       make(map[string]ToolEntry),
		Servers:     make(map[string]ServerEntry, len(ids)),
		GeneratedAt: now,
		Version:     Version,
	}

	// Iterate outcomes in sorted server order so name collisions resolve
	// deterministically.
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].id < outcomes[j].id })
	for _, out := range outcomes {
		if out.err != nil {
			s.logger.Warn("tool discovery failed", log.ServerKey, out.id, "error", out.err)
			cat.Servers[out.id] = ServerEntry{
				Status:      "error",
				LastChecked: now,
				Error:       out.err.Error(),
			}
			continue
		}
		for _, tool := range out.tools {
			if existing, clash := cat.Tools[tool.Name]; clash {
				s.logger.Warn("tool name collision",
					log.ToolKey, tool.Name, "kept", existing.Server, "ignored", tool.Server)
				continue
			}
			cat.Tools[tool.Name] = tool
		}
		cat.Servers[out.id] = ServerEntry{
			Status:      "connected",
			ToolsCount:  len(out.tools),
			LastChecked: now,
		}
	}

	s.mu.Lock()
	s.current = cat
	s.mu.Unlock()

	s.logger.Info("tool discovery complete",
		"servers", len(cat.Servers), "tools", len(cat.Tools))
	return cat, nil
}

func (s *Service) discoverServer(ctx context.Context, id string) ([]ToolEntry, error) {
	conn, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}

	specs, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolEntry, len(specs))
	for i, spec := range specs {
		tools[i] = ToolEntry{
			Name:        spec.Name,
			Description: spec.Description,
			Server:      id,
			Tags:        spec.Tags,
			Parameters:  spec.InputSchema,
		}
	}
	return tools, nil
}

// DiscoverAndCache runs discovery and writes the artifact atomically.
func (s *Service) DiscoverAndCache(ctx context.Context) (*Catalog, error) {
	cat, err := s.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if s.path == "" {
		return cat, nil
	}
	if err := s.save(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func (s *Service) save(cat *Catalog) error {
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write catalog cache: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save catalog cache: %w", err)
	}
	return nil
}

// LoadCached reads the on-disk artifact into the in-memory snapshot.
// A missing file yields a NotFoundError.
func (s *Service) LoadCached() (*Catalog, error) {
	if s.path == "" {
		return nil, &errors.NotFoundError{Resource: "catalog cache", ID: "(disabled)"}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.NotFoundError{Resource: "catalog cache", ID: s.path}
		}
		return nil, fmt.Errorf("failed to read catalog cache: %w", err)
	}

	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, &errors.ParseError{Path: s.path, Cause: err}
	}
	if cat.Tools == nil {
		cat.Tools = make(map[string]ToolEntry)
	}
	if cat.Servers == nil {
		cat.Servers = make(map[string]ServerEntry)
	}

	s.mu.Lock()
	s.current = &cat
	s.mu.Unlock()
	return &cat, nil
}

// Refresh returns a usable catalog: the in-memory or cached one when still
// fresh, a fresh discovery otherwise. Force always rediscovers.
func (s *Service) Refresh(ctx context.Context, force bool) (*Catalog, error) {
	if !force {
		if cat := s.Current(); cat.IsFresh(s.maxAge) {
			return cat, nil
		}
		if cat, err := s.LoadCached(); err == nil && cat.IsFresh(s.maxAge) {
			return cat, nil
		}
	}
	return s.DiscoverAndCache(ctx)
}
