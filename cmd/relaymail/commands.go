package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaymail/internal/export"
	"github.com/agentworkforce/relaymail/internal/httpapi"
	"github.com/agentworkforce/relaymail/internal/maildb"
)

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print entity counts of the primary store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openApp(commandContext(cmd), cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			type accountStat struct {
				Key  maildb.AccountKey `json:"key"`
				Stat maildb.Stat       `json:"stat"`
			}
			out := struct {
				Total    maildb.Stat   `json:"total"`
				Accounts []accountStat `json:"accounts"`
			}{Total: a.service.Stat(), Accounts: []accountStat{}}
			for _, key := range a.service.AccountKeys() {
				stat, err := a.primary.AccountStat(key, false)
				if err != nil {
					return err
				}
				out.Accounts = append(out.Accounts, accountStat{Key: key, Stat: stat})
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset [login]",
		Short: "Forget one account, or every account with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := cmd.Flags().GetBool("all")
			if err != nil {
				return err
			}
			if all == (len(args) == 1) {
				return errors.New("pass either a login or --all")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			a, err := openApp(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				if err := a.service.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all accounts reset")
				return nil
			}
			if err := a.service.ResetAccount(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s reset\n", args[0])
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Reset every account and the session store")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <login> <dir>",
		Short: "Write the mails of an account as .eml files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}
			if timeout > 0 {
				cfg.Export.Timeout = timeout
			}
			quiet, err := cmd.Flags().GetBool("quiet")
			if err != nil {
				return err
			}
			a, err := openApp(commandContext(cmd), cmd, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var progress func(export.Progress)
			if !quiet {
				progress = func(p export.Progress) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%d/%d] %s\n", p.Done, p.Total, p.File)
				}
			}
			result, err := a.service.Export(commandContext(cmd), args[0], args[1], progress)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d mails to %s\n", len(result.Files), result.Dir)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 0, "Override export.timeout")
	cmd.Flags().Bool("quiet", false, "Do not print a line per file")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <login>",
		Short: "Issue an API token; use * as login for store-wide access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			scopes, err := cmd.Flags().GetStringSlice("scope")
			if err != nil {
				return err
			}
			ttl, err := cmd.Flags().GetDuration("ttl")
			if err != nil {
				return err
			}
			client, err := cmd.Flags().GetString("client")
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			secret := strings.TrimSpace(cfg.HTTP.JWTSecret)
			if secret == "" {
				secret = httpapi.DevJWTSecret
			}
			token, err := httpapi.IssueToken(secret, args[0], client, scopes, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSlice("scope", []string{"mail:read", "mail:write"}, "Scopes to grant (mail:read, mail:write, indexer, admin)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().String("client", "cli", "Client name recorded in the token")
	return cmd
}
