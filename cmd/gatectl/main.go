package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/org/admingate/pkg/models"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "gatectl",
	Short:         "admingate CLI",
	Long:          "A CLI for managing tokens and reading the audit log of an admingate gateway.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Save the gateway address and bearer token to the CLI config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				fmt.Print("Token: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				token = strings.TrimSpace(scanner.Text())
			}
			if token == "" {
				return fmt.Errorf("token is required")
			}
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			cfg.Token = token
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Token saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Gateway address (e.g. https://gate.internal:8080)")
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a token; the secret is shown only once",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			var issued models.IssuedToken
			err := newClient().post("/api/v1/tokens", map[string]any{
				"owner":  owner,
				"scopes": scopes,
			}, &issued)
			if err != nil {
				return err
			}
			return printToken(issued.TokenView, issued.Secret)
		},
	}
	createCmd.Flags().String("owner", "", "Token owner")
	createCmd.Flags().StringSlice("scope", nil, "Scope to grant (repeatable, resource:action)")
	_ = createCmd.MarkFlagRequired("owner")
	_ = createCmd.MarkFlagRequired("scope")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tokens []models.TokenView
			if err := newClient().get("/api/v1/tokens", &tokens); err != nil {
				return err
			}
			return printTokens(tokens)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t models.TokenView
			if err := newClient().get("/api/v1/tokens/"+url.PathEscape(args[0]), &t); err != nil {
				return err
			}
			return printToken(t, "")
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t models.TokenView
			if err := newClient().post("/api/v1/tokens/"+url.PathEscape(args[0])+"/revoke", nil, &t); err != nil {
				return err
			}
			if outputFormat == "json" {
				return printJSON(t)
			}
			printSuccess("Token " + t.ID + " revoked.")
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, revokeCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent authorization decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			path, _ := cmd.Flags().GetString("path")
			since, _ := cmd.Flags().GetString("since")

			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			if path != "" {
				q.Set("path", path)
			}
			if since != "" {
				q.Set("since", since)
			}

			var entries []*models.AuditEntry
			if err := newClient().get("/api/v1/audit-log?"+q.Encode(), &entries); err != nil {
				return err
			}
			return printAudit(entries)
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum entries to return")
	cmd.Flags().Int("offset", 0, "Entries to skip")
	cmd.Flags().String("path", "", "Only entries whose path starts with this prefix")
	cmd.Flags().String("since", "", "Only entries at or after this RFC 3339 time")
	return cmd
}
