package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/config"
	"github.com/kalambet/folio/internal/pipeline"
	"github.com/kalambet/folio/internal/storage"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to the running server",
	Long: `Send a message to the running server. Without a message argument,
lines are read from stdin and sent within one session.

Examples:
  folio chat "What are your skills?"
  folio chat --session 3f2504e0-4f89-41d3-9a0c-0305e82c3301 "and your projects?"
  folio chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) > 0 {
			_, err := sendChat(cmd.Context(), client, os.Stdout, sessionID, strings.Join(args, " "))
			return err
		}
		return chatLoop(cmd.Context(), client, os.Stdin, os.Stdout, sessionID)
	},
}

func init() {
	chatCmd.Flags().String("session", "", "session id to continue")
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// sendChat posts one message and prints the reply. It returns the session
// id the server used.
func sendChat(ctx context.Context, client *apiClient, w io.Writer, sessionID, message string) (string, error) {
	resp, err := client.post(ctx, "/api/chat", chatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return sessionID, err
	}
	var out pipeline.ChatResponse
	if err := decodeJSON(resp, &out); err != nil {
		return sessionID, err
	}
	fmt.Fprintln(w, out.Response)
	cached := ""
	if out.Cached {
		cached = ", cached"
	}
	fmt.Fprintln(msgOut, colorize(colorCyan, fmt.Sprintf("[%s] %s, %d tokens, $%.6f%s",
		out.SessionID, strings.Join(out.Topics, ","), out.TokensUsed, out.CostUSD, cached)))
	return out.SessionID, nil
}

func chatLoop(ctx context.Context, client *apiClient, r io.Reader, w io.Writer, sessionID string) error {
	sc := bufio.NewScanner(r)
	for {
		fmt.Fprint(msgOut, colorize(colorBold, "> "))
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := sendChat(ctx, client, w, sessionID, line)
		if err != nil {
			printError("%v", err)
			continue
		}
		sessionID = id
	}
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Mint a new session id",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/session", nil)
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, out["session_id"])
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the turns of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return showHistory(cmd.Context(), client, os.Stdout, args[0], asJSON)
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Delete a session's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/session/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Cleared session %s", args[0])
		return nil
	},
}

func init() {
	sessionHistoryCmd.Flags().Bool("json", false, "print raw JSON")
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionClearCmd)
}

func showHistory(ctx context.Context, client *apiClient, w io.Writer, id string, asJSON bool) error {
	resp, err := client.get(ctx, "/api/session/"+url.PathEscape(id)+"/history")
	if err != nil {
		return err
	}
	var hr pipeline.HistoryResponse
	if err := decodeJSON(resp, &hr); err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, hr)
	}
	for _, t := range hr.Messages {
		fmt.Fprintf(w, "%s %s: %s\n", t.Timestamp.Format("15:04:05"), colorize(colorBold, t.Role), t.Content)
	}
	s := hr.Summary
	printStatus(w, "Messages", "%d (%d user, %d assistant)", s.TotalMessages, s.UserMessages, s.AssistantMessages)
	printStatus(w, "Topics", "%s", strings.Join(s.Topics, ", "))
	printStatus(w, "Cost", "%d tokens, $%.6f", s.TotalTokens, s.TotalCostUSD)
	return nil
}

// --- budget ---

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show today's spend and limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/budget/status")
		if err != nil {
			return err
		}
		var st budget.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printBudget(os.Stdout, st)
		return nil
	},
}

// --- analytics ---

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show persisted daily cost totals (requires the admin token)",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if client.token == "" {
			return fmt.Errorf("no admin token configured; set FOLIO_ADMIN_TOKEN or run `folio config set-secret admin_token <token>`")
		}
		return showAnalytics(cmd.Context(), client, os.Stdout, days)
	},
}

func init() {
	analyticsCmd.Flags().Int("days", 7, "number of days to show")
}

type dailyAnalytics struct {
	Days          []storage.DailyCostRecord `json:"days"`
	TotalCostUSD  float64                   `json:"total_cost_usd"`
	TotalRequests int64                     `json:"total_requests"`
}

func showAnalytics(ctx context.Context, client *apiClient, w io.Writer, days int) error {
	resp, err := client.get(ctx, "/api/analytics/daily?days="+strconv.Itoa(days))
	if err != nil {
		return err
	}
	var out dailyAnalytics
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	for _, d := range out.Days {
		fmt.Fprintf(w, "  %s  %6d requests  %9d tokens  $%.4f\n", d.Date, d.Requests, d.Tokens, d.CostUSD())
	}
	printStatus(w, "Total", "%d requests, $%.4f", out.TotalRequests, out.TotalCostUSD)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <name> <value>",
	Short: "Store a secret (anthropic_api_key, supabase_key, admin_token)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored secret %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
