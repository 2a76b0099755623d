// Copyright 2026 The OpenTrusty Authors
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
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/opentrusty/permgate/internal/audit"
	"github.com/opentrusty/permgate/internal/config"
	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/identity"
)

func newCheckCommand(configPath *string, open openLoader) *cobra.Command {
	var userID, method, path string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide one request against the configured route table",
		Example: `  permgate check --user 42 --path /dashboard/users
  permgate check --user 42 --method DELETE --path /api/users`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := initLogger(cfg)

			c, err := build(cmd.Context(), cfg, log, audit.Nop{}, nil, open)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = c.close(ctx)
			}()

			out := c.gate.Check(cmd.Context(), gate.Request{Method: method, Path: path, UserID: userID})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.Allowed {
				return fmt.Errorf("denied: %s", out.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (empty for anonymous)")
	cmd.Flags().StringVar(&method, "method", http.MethodGet, "HTTP method")
	cmd.Flags().StringVar(&path, "path", "", "request path")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			token, err := identity.NewTokenResolver(cfg.Identity).Issue(userID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
