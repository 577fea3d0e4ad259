package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/org/admingate/internal/cli"
	"github.com/org/admingate/pkg/models"
)

var outputFormat string // "table", "json"

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printToken(t models.TokenView, secret string) error {
	if outputFormat == "json" {
		if secret != "" {
			return printJSON(models.IssuedToken{TokenView: t, Secret: secret})
		}
		return printJSON(t)
	}
	pairs := [][2]any{
		{"id", t.ID},
		{"owner", t.Owner},
		{"scopes", strings.Join(t.Scopes, ", ")},
		{"status", t.Status},
		{"created_at", formatTime(t.CreatedAt)},
		{"last_used_at", formatTime(t.LastUsedAt)},
	}
	if t.RevokedAt != nil {
		pairs = append(pairs, [2]any{"revoked_at", formatTime(*t.RevokedAt)})
	}
	if secret != "" {
		pairs = append(pairs, [2]any{"secret", secret})
	}
	return cli.PrintKeyValues(os.Stdout, pairs)
}

func printTokens(tokens []models.TokenView) error {
	if outputFormat == "json" {
		return printJSON(tokens)
	}
	rows := make([][]any, len(tokens))
	for i, t := range tokens {
		rows[i] = []any{t.ID, t.Owner, strings.Join(t.Scopes, " "), t.Status, formatTime(t.LastUsedAt)}
	}
	return cli.PrintTable(os.Stdout, []string{"ID", "Owner", "Scopes", "Status", "Last Used"}, rows)
}

func printAudit(entries []*models.AuditEntry) error {
	if outputFormat == "json" {
		return printJSON(entries)
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{
			formatTime(e.Timestamp), e.Method, e.Path, e.Owner,
			e.ResponseCode, e.Reason, fmt.Sprintf("%dms", e.ResponseTimeMs), e.ClientIP,
		}
	}
	return cli.PrintTable(os.Stdout, []string{"Time", "Method", "Path", "Owner", "Status", "Reason", "Duration", "Client"}, rows)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
