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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"toolmesh/internal/log"
	"toolmesh/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	cachePath  string
	jsonOutput bool
	trace      bool
}

func main() {
	flags := &rootFlags{}

	var tracer *tracing.Provider

	root := &cobra.Command{
		Use:           "toolmesh",
		Short:         "Tool server orchestration",
		Long:          "toolmesh connects, discovers, and executes tools across external and built-in tool servers, with chains and automatic failover.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !flags.trace {
				return nil
			}
			var err error
			tracer, err = tracing.NewProvider(tracing.Config{
				ServiceVersion: version,
				Writer:         os.Stderr,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if tracer == nil {
				return nil
			}
			return tracer.Shutdown(context.Background())
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultPath("config.yaml"), "Configuration file path")
	root.PersistentFlags().StringVar(&flags.cachePath, "cache", defaultPath("catalog.json"), "Tool catalog cache path")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Emit machine-readable JSON output")
	root.PersistentFlags().BoolVar(&flags.trace, "trace", false, "Export execution spans to stderr")

	root.AddCommand(
		newValidateCommand(flags),
		newDiscoverCommand(flags),
		newToolsCommand(flags),
		newCallCommand(flags),
		newChainCommand(flags),
		newStatusCommand(flags),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// defaultPath resolves a file under the toolmesh home directory,
// overridable with TOOLMESH_HOME.
func defaultPath(name string) string {
	if home := os.Getenv("TOOLMESH_HOME"); home != "" {
		return filepath.Join(home, name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".toolmesh", name)
}

// newLogger builds the CLI logger from the environment.
func newLogger() *slog.Logger {
	return log.New(log.FromEnv())
}
