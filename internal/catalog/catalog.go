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

// Package catalog discovers the tools exposed by registered servers and
// caches the aggregate inventory as a JSON artifact so later sessions can
// resolve tools without reconnecting every server.
package catalog

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Version is the cache artifact schema version.
const Version = "1"

// DefaultMaxAge is how long a cached catalog stays fresh.
const DefaultMaxAge = 24 * time.Hour

// ToolEntry is one discovered tool.
type ToolEntry struct {
	// Name is the tool identifier.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Server is the id of the server exposing the tool.
	Server string `json:"server"`

	// Tags categorize the tool, when the server declares any.
	Tags []string `json:"tags,omitempty"`

	// Parameters is the tool's input schema, when the server provides one.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ServerEntry records the discovery outcome for one server.
type ServerEntry struct {
	// Status is "connected" when discovery succeeded, "error" otherwise.
	Status string `json:"status"`

	// ToolsCount is the number of tools discovered. Zero for failed servers.
	ToolsCount int `json:"tools_count"`

	// LastChecked is when this server was last queried.
	LastChecked time.Time `json:"last_checked"`

	// Error holds the failure reason for servers with status "error".
	Error string `json:"error,omitempty"`
}

// Catalog is the aggregate tool inventory across all servers.
type Catalog struct {
	// Tools maps tool name to its entry. On a name collision across
	// servers, the entry from the lexically smaller server id wins.
	Tools map[string]ToolEntry `json:"tools"`

	// Servers maps server id to its discovery outcome.
	Servers map[string]ServerEntry `json:"servers"`

	// GeneratedAt is when this catalog was produced.
	GeneratedAt time.Time `json:"generated_at"`

	// Version is the artifact schema version.
	Version string `json:"version"`
}

// IsFresh reports whether the catalog is younger than maxAge.
// Zero maxAge means the default.
func (c *Catalog) IsFresh(maxAge time.Duration) bool {
	if c == nil || c.GeneratedAt.IsZero() {
		return false
	}
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}
	return time.Since(c.GeneratedAt) < maxAge
}

// Resolve looks up a tool by name.
func (c *Catalog) Resolve(name string) (ToolEntry, bool) {
	entry, ok := c.Tools[name]
	return entry, ok
}

// ServerTools returns the tools of one server, sorted by name.
func (c *Catalog) ServerTools(server string) []ToolEntry {
	var tools []ToolEntry
	for _, entry := range c.Tools {
		if entry.Server == server {
			tools = append(tools, entry)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Search returns the tools whose name, description, or tags contain the
// query, case-insensitively, sorted by name. An empty query returns every
// tool.
func (c *Catalog) Search(query string) []ToolEntry {
	query = strings.ToLower(query)
	var tools []ToolEntry
	for _, entry := range c.Tools {
		if query == "" ||
			strings.Contains(strings.ToLower(entry.Name), query) ||
			strings.Contains(strings.ToLower(entry.Description), query) ||
			matchesTag(entry, query) {
			tools = append(tools, entry)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func matchesTag(entry ToolEntry, query string) bool {
	for _, tag := range entry.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

// TaggedTools returns the tools carrying the exact tag, case-insensitively,
// sorted by name.
func (c *Catalog) TaggedTools(tag string) []ToolEntry {
	tag = strings.ToLower(tag)
	var tools []ToolEntry
	for _, entry := range c.Tools {
		for _, t := range entry.Tags {
			if strings.ToLower(t) == tag {
				tools = append(tools, entry)
				break
			}
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}
