// Copyright (c) 2026 John Earle
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

// Relayer operator CLI
//
// Administrative commands that talk to the chain, the request store or a
// running relayer:
//
//	relayerctl dkim publish --domain example.com --selector s1 --hash 0x...
//	relayerctl dkim check --domain example.com --hash 0x...
//	relayerctl request get <id>
//	relayerctl request retry <id>
//	relayerctl call --spec call.json --proof proof.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bcem/relayer/internal/chain"
	"github.com/bcem/relayer/internal/config"
	"github.com/bcem/relayer/internal/logging"
)

// app carries state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "relayerctl",
		Short:        "Operate the email relayer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config.yaml (defaults to CONFIG_PATH)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newDKIMCommand(a), newRequestCommand(a), newCallCommand(a))
	return root
}

func (a *app) init() error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	level := a.cfg.LogLevel
	if a.verbose {
		level = "debug"
	}
	a.logger, err = logging.New(level)
	return err
}

// gateway dials the named chain, or the default chain when name is empty.
func (a *app) gateway(ctx context.Context, name string) (*chain.Gateway, error) {
	if name == "" {
		name = a.cfg.DefaultChain
	}
	return chain.Setup(ctx, name, a.cfg.Chains,
		chain.WithLogger(a.logger),
		chain.WithPollInterval(a.cfg.PollInterval),
		chain.WithConfirmationTimeout(a.cfg.ConfirmationTimeout),
	)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
