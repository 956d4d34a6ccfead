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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/bcem/relayer/internal/callbuilder"
	"github.com/bcem/relayer/internal/calldata"
)

func newCallCommand(a *app) *cobra.Command {
	var chainName, specPath, proofPath string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Encode and submit a generic call with an email auth proof",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if specPath == "" || proofPath == "" {
				return errors.New("--spec and --proof are required")
			}
			var spec calldata.CallSpec
			if err := readJSON(specPath, &spec); err != nil {
				return err
			}
			var proof calldata.EmailAuthMsg
			if err := readJSON(proofPath, &proof); err != nil {
				return err
			}

			if dryRun {
				req, err := callbuilder.New(nil, a.logger).Build(spec, proof)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{
					"to":   req.To.Hex(),
					"data": hexutil.Encode(req.Data),
				})
			}

			ctx := cmd.Context()
			gw, err := a.gateway(ctx, chainName)
			if err != nil {
				return err
			}
			defer gw.Close()

			txHash, err := callbuilder.New(gw, a.logger).Execute(ctx, spec, proof)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"chain": gw.Name(), "tx_hash": txHash})
		},
	}
	cmd.Flags().StringVar(&chainName, "chain", "", "Chain name (defaults to the configured default chain)")
	cmd.Flags().StringVar(&specPath, "spec", "", "Path to the call spec JSON")
	cmd.Flags().StringVar(&proofPath, "proof", "", "Path to the email auth message JSON")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the encoded call without submitting it")
	return cmd
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
