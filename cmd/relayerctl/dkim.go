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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/bcem/relayer/internal/chain"
	"github.com/bcem/relayer/internal/dkim"
)

type dkimOptions struct {
	chain     string
	registry  string
	selector  string
	domain    string
	hash      string
	signature string
}

func newDKIMCommand(a *app) *cobra.Command {
	opts := &dkimOptions{}
	cmd := &cobra.Command{
		Use:   "dkim",
		Short: "Manage DKIM public key hashes in the on-chain registry",
	}
	cmd.PersistentFlags().StringVar(&opts.chain, "chain", "", "Chain name (defaults to the configured DKIM chain)")
	cmd.PersistentFlags().StringVar(&opts.registry, "registry", "", "Registry address (defaults to DKIM_REGISTRY_ADDRESS)")
	cmd.PersistentFlags().StringVar(&opts.domain, "domain", "", "Email domain")
	cmd.PersistentFlags().StringVar(&opts.hash, "hash", "", "32-byte public key hash, 0x-prefixed")

	publish := &cobra.Command{
		Use:   "publish",
		Short: "Register a key hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDKIMSubmit(cmd, opts, dkim.SetPrefix)
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a key hash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDKIMSubmit(cmd, opts, dkim.RevokePrefix)
		},
	}
	for _, c := range []*cobra.Command{publish, revoke} {
		c.Flags().StringVar(&opts.selector, "selector", "", "DKIM selector")
		c.Flags().StringVar(&opts.signature, "signature", "", "Registry signer signature, 0x-prefixed (signed with the chain key when empty)")
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Report whether a key hash is valid for a domain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, gw, keyHash, err := a.registry(ctx, opts)
			if err != nil {
				return err
			}
			defer gw.Close()

			valid, err := reg.IsKeyHashValid(ctx, opts.domain, keyHash)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"domain": opts.domain, "hash": keyHash.Hex(), "valid": valid})
		},
	}

	var prefix string
	message := &cobra.Command{
		Use:   "message",
		Short: "Print the message the registry signer must sign",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, gw, keyHash, err := a.registry(ctx, opts)
			if err != nil {
				return err
			}
			defer gw.Close()

			msg, err := reg.SignedMessage(ctx, prefix, opts.selector, opts.domain, keyHash)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	message.Flags().StringVar(&prefix, "prefix", dkim.SetPrefix, "Operation prefix (SET: or REVOKE:)")
	message.Flags().StringVar(&opts.selector, "selector", "", "DKIM selector")

	cmd.AddCommand(publish, revoke, check, message)
	return cmd
}

func (a *app) registry(ctx context.Context, opts *dkimOptions) (*dkim.Registry, *chain.Gateway, common.Hash, error) {
	if opts.domain == "" {
		return nil, nil, common.Hash{}, errors.New("--domain is required")
	}
	raw, err := hexutil.Decode(opts.hash)
	if err != nil || len(raw) != common.HashLength {
		return nil, nil, common.Hash{}, fmt.Errorf("--hash must be 32 bytes of 0x-prefixed hex")
	}

	address := opts.registry
	if address == "" {
		address = a.cfg.DKIMRegistryAddress
	}
	name := opts.chain
	if name == "" {
		name = a.cfg.DKIMChain
	}
	gw, err := a.gateway(ctx, name)
	if err != nil {
		return nil, nil, common.Hash{}, err
	}
	reg, err := dkim.NewRegistry(gw, address, a.logger)
	if err != nil {
		gw.Close()
		return nil, nil, common.Hash{}, err
	}
	return reg, gw, common.BytesToHash(raw), nil
}

func (a *app) runDKIMSubmit(cmd *cobra.Command, opts *dkimOptions, prefix string) error {
	if opts.selector == "" {
		return errors.New("--selector is required")
	}
	ctx := cmd.Context()
	reg, gw, keyHash, err := a.registry(ctx, opts)
	if err != nil {
		return err
	}
	defer gw.Close()

	var sig []byte
	if opts.signature != "" {
		sig, err = hexutil.Decode(opts.signature)
		if err != nil {
			return fmt.Errorf("--signature: %w", err)
		}
	} else {
		msg, err := reg.SignedMessage(ctx, prefix, opts.selector, opts.domain, keyHash)
		if err != nil {
			return err
		}
		sig, err = a.signText(gw.Name(), msg)
		if err != nil {
			return err
		}
	}

	var txHash string
	if prefix == dkim.RevokePrefix {
		txHash, err = reg.RevokeKeyHash(ctx, opts.selector, opts.domain, keyHash, sig)
	} else {
		txHash, err = reg.PublishKeyHash(ctx, opts.selector, opts.domain, keyHash, sig)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]string{"tx_hash": txHash})
}

// signText produces an EIP-191 personal signature over msg with the
// chain's signing key.
func (a *app) signText(chainName, msg string) ([]byte, error) {
	cc, ok := a.cfg.Chains[chainName]
	if !ok {
		return nil, fmt.Errorf("chain %q: %w", chainName, chain.ErrUnknownChain)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cc.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return nil, fmt.Errorf("sign registry message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
