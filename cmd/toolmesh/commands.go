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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"toolmesh/internal/config"
	"toolmesh/internal/engine"
	"toolmesh/pkg/orchestrator"
)

// newOrchestrator assembles and starts the core for one CLI invocation.
func newOrchestrator(flags *rootFlags) (*orchestrator.Orchestrator, error) {
	orch, err := orchestrator.New(orchestrator.Options{
		ConfigPath: flags.configPath,
		CachePath:  flags.cachePath,
		Logger:     newLogger(),
	})
	if err != nil {
		return nil, err
	}
	if err := orch.Start(context.Background()); err != nil {
		return nil, err
	}
	return orch, nil
}

func newValidateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := config.NewStore(flags.configPath, newLogger())
			cfg, err := store.Load()
			if err != nil {
				return err
			}

			result := config.Validate(cfg)
			if flags.jsonOutput {
				return emitJSON(cmd, result)
			}

			for _, warning := range result.Warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
			}
			if !result.Valid {
				for _, e := range result.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
				}
				return fmt.Errorf("%d validation error(s)", len(result.Errors))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d servers, %d chains)\n",
				flags.configPath, len(cfg.Servers), len(cfg.Chains)+len(cfg.Compositions))
			return nil
		},
	}
}

func newDiscoverCommand(flags *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover tools across all enabled servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator(flags)
			if err != nil {
				return err
			}
			defer orch.Close()

			cat, err := orch.DiscoverTools(cmd.Context(), force)
			if err != nil {
				return err
			}
			if flags.jsonOutput {
				return emitJSON(cmd, cat)
			}

			ids := make([]string, 0, len(cat.Servers))
			for id := range cat.Servers {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				entry := cat.Servers[id]
				if entry.Status == "connected" {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d tools\n", id, entry.ToolsCount)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s error: %s\n", id, entry.Error)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d tools across %d servers\n", len(cat.Tools), len(cat.Servers))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-query servers even when the cache is fresh")
	return cmd
}

func newToolsCommand(flags *rootFlags) *cobra.Command {
	var serverID, search, tag string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List discovered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator(flags)
			if err != nil {
				return err
			}
			defer orch.Close()

			cat := orch.Catalog()
			if cat == nil {
				if cat, err = orch.DiscoverTools(cmd.Context(), false); err != nil {
					return err
				}
			}

			tools := cat.Search(search)
			if serverID != "" {
				filtered := tools[:0]
				for _, tool := range tools {
					if tool.Server == serverID {
						filtered = append(filtered, tool)
					}
				}
				tools = filtered
			}
			if tag != "" {
				tagged := make(map[string]bool)
				for _, tool := range cat.TaggedTools(tag) {
					tagged[tool.Name] = true
				}
				filtered := tools[:0]
				for _, tool := range tools {
					if tagged[tool.Name] {
						filtered = append(filtered, tool)
					}
				}
				tools = filtered
			}

			if flags.jsonOutput {
				return emitJSON(cmd, tools)
			}
			for _, tool := range tools {
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-16s %s\n", tool.Name, tool.Server, tool.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "Only tools from this server")
	cmd.Flags().StringVar(&search, "search", "", "Filter by name, description, or tag")
	cmd.Flags().StringVar(&tag, "tag", "", "Only tools carrying this tag")
	return cmd
}

func newCallCommand(flags *rootFlags) *cobra.Command {
	var serverID, paramsJSON string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Execute a single tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramsJSON)
			if err != nil {
				return err
			}

			orch, err := newOrchestrator(flags)
			if err != nil {
				return err
			}
			defer orch.Close()

			if _, err := orch.DiscoverTools(cmd.Context(), false); err != nil {
				return err
			}

			result, err := orch.Execute(cmd.Context(), engine.Request{
				Tool:    args[0],
				Server:  serverID,
				Params:  params,
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, flags, result)
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "Pin the call to a server")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "Tool parameters as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall deadline for the call")
	return cmd
}

func newChainCommand(flags *rootFlags) *cobra.Command {
	var paramsJSON string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "chain <id>",
		Short: "Execute a chain or composition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramsJSON)
			if err != nil {
				return err
			}

			orch, err := newOrchestrator(flags)
			if err != nil {
				return err
			}
			defer orch.Close()

			if _, err := orch.DiscoverTools(cmd.Context(), false); err != nil {
				return err
			}

			result, err := orch.Execute(cmd.Context(), engine.Request{
				Chain:   args[0],
				Params:  params,
				Timeout: timeout,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, flags, result)
		},
	}

	cmd.Flags().StringVar(&paramsJSON, "params", "", "Chain parameters as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall deadline for the chain")
	return cmd
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of every registered server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, err := newOrchestrator(flags)
			if err != nil {
				return err
			}
			defer orch.Close()

			statuses := orch.ServerStatuses()
			if flags.jsonOutput {
				return emitJSON(cmd, statuses)
			}

			ids := make([]string, 0, len(statuses))
			for id := range statuses {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				st := statuses[id]
				if st.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-14s %s\n", id, st.Status, st.Error)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", id, st.Status)
				}
			}
			return nil
		},
	}
}

func parseParams(paramsJSON string) (map[string]any, error) {
	if paramsJSON == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return params, nil
}

func printResult(cmd *cobra.Command, flags *rootFlags, result *engine.Result) error {
	if flags.jsonOutput {
		if err := emitJSON(cmd, result); err != nil {
			return err
		}
	} else {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	}
	if !result.Success {
		return fmt.Errorf("execution failed: %s", result.Error)
	}
	return nil
}

func emitJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
