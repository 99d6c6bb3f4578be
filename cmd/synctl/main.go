// Package main is the entry point for synctl, the sync daemon's admin CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/axonops/syncd/internal/auth"
	"github.com/axonops/syncd/internal/config"
	"github.com/axonops/syncd/internal/corectx"
	"github.com/axonops/syncd/internal/metrics"
	"github.com/axonops/syncd/internal/schema"
	"github.com/axonops/syncd/internal/store"
	"github.com/axonops/syncd/internal/syncengine"
	"github.com/axonops/syncd/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	output     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "synctl",
		Short:   "Admin CLI for syncd",
		Long:    `A command-line tool for inspecting the schema registry, auth rules, and running ad-hoc sync cycles against a peer.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a syncd configuration file (auth rules and sync options are read from it)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	schemaCmd := &cobra.Command{Use: "schema", Short: "Inspect the schema registry"}
	schemaCmd.AddCommand(&cobra.Command{
		Use:   "namespaces",
		Short: "List registered namespaces",
		RunE:  listNamespaces,
	})
	versionsCmd := &cobra.Command{
		Use:   "versions <namespace>",
		Short: "List registered versions for a namespace",
		Args:  cobra.ExactArgs(1),
		RunE:  listVersions,
	}
	schemaCmd.AddCommand(versionsCmd)

	authCmd := &cobra.Command{Use: "auth", Short: "Inspect auth rule resolution"}
	checkCmd := &cobra.Command{
		Use:   "check <repoPath> <owner> <itemKey> <read|write>",
		Short: "Resolve the rule for a repo path and evaluate it against a session",
		Args:  cobra.ExactArgs(4),
		RunE:  checkAuth,
	}
	authCmd.AddCommand(checkCmd)

	syncCmd := &cobra.Command{Use: "sync", Short: "Run ad-hoc sync cycles against a peer"}
	runCmd := &cobra.Command{
		Use:   "run <peerURL> <repoPath>",
		Short: "Run one sync cycle against a peer's HTTP responder and print the outcome",
		Args:  cobra.ExactArgs(2),
		RunE:  runSyncCycle,
	}
	runCmd.Flags().String("owner", "root", "Session owner presented to the auth matcher")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Cycle timeout")
	syncCmd.AddCommand(runCmd)

	rootCmd.AddCommand(schemaCmd, authCmd, syncCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadCore builds a corectx.Context the same way cmd/syncd does: builtins
// preloaded, then every configured auth rule registered on top. Used by
// subcommands that need to reason about rule resolution without a running
// daemon.
func loadCore() (*corectx.Context, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	core := corectx.New()
	for _, r := range cfg.Auth.Rules {
		policy := r.Policy
		if policy == "" {
			policy = "open"
		}
		var rule auth.Rule
		if policy == "private" {
			rule = func(db any, repoPath, itemKey string, session auth.Session, op auth.Op) bool {
				return session.IsRoot()
			}
		} else {
			rule = func(db any, repoPath, itemKey string, session auth.Session, op auth.Op) bool {
				if op == auth.OpRead {
					return true
				}
				return session.IsRoot()
			}
		}
		if err := core.Auth.RegisterRule(r.Path, r.Mode == "regex", rule); err != nil {
			return nil, nil, fmt.Errorf("registering auth rule %q: %w", r.Path, err)
		}
	}
	return core, cfg, nil
}

func listNamespaces(cmd *cobra.Command, args []string) error {
	core, _, err := loadCore()
	if err != nil {
		return err
	}
	namespaces := core.Schemas.Namespaces()

	if output == "json" {
		return printJSON(namespaces)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tLATEST VERSION")
	for _, ns := range namespaces {
		versions := core.Schemas.Versions(ns)
		latest := 0
		if len(versions) > 0 {
			latest = versions[0]
		}
		fmt.Fprintf(w, "%s\t%d\n", ns, latest)
	}
	return w.Flush()
}

func listVersions(cmd *cobra.Command, args []string) error {
	core, _, err := loadCore()
	if err != nil {
		return err
	}
	versions := core.Schemas.Versions(args[0])

	if output == "json" {
		return printJSON(versions)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tMARKER")
	for _, v := range versions {
		fmt.Fprintf(w, "%d\t%s\n", v, schema.Encode(schema.New(args[0], v, nil)))
	}
	return w.Flush()
}

func checkAuth(cmd *cobra.Command, args []string) error {
	repoPath, owner, itemKey, opName := args[0], args[1], args[2], args[3]

	var op auth.Op
	switch opName {
	case "read":
		op = auth.OpRead
	case "write":
		op = auth.OpWrite
	default:
		return fmt.Errorf("op must be \"read\" or \"write\", got %q", opName)
	}

	core, _, err := loadCore()
	if err != nil {
		return err
	}

	rule := core.Auth.RuleForRepo(repoPath)
	if rule == nil {
		fmt.Println("no rule matched (open by default)")
		return nil
	}
	allowed := rule(nil, repoPath, itemKey, auth.Session{Owner: owner}, op)

	if output == "json" {
		return printJSON(map[string]any{"allowed": allowed})
	}
	fmt.Printf("allowed: %t\n", allowed)
	return nil
}

func runSyncCycle(cmd *cobra.Command, args []string) error {
	peerURL, repoPath := args[0], args[1]
	owner, _ := cmd.Flags().GetString("owner")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	core, cfg, err := loadCore()
	if err != nil {
		return err
	}

	st := store.NewMemory("synctl", cfg.Sync.TTL())
	defer st.Close()

	eng := syncengine.New(core, st, metrics.New(), syncengine.Options{
		ExpectedSyncCycles: cfg.Sync.ExpectedSyncCycles,
		LowAccuracy:        cfg.Sync.LowAccuracy,
		IncludeMissing:     cfg.Sync.IncludeMissing,
		BaseInterval:       cfg.Sync.BaseInterval(),
		MinInterval:        cfg.Sync.MinInterval(),
		MaxInterval:        cfg.Sync.MaxInterval(),
		CycleTimeout:       timeout,
	}, nil)

	client := &http.Client{Timeout: timeout}
	send, recv := transport.NewHTTPPeer(client, peerURL)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	session := auth.Session{Owner: owner, ID: auth.NewSessionID(owner)}
	result, err := eng.RunCycle(ctx, peerURL, repoPath, session, send, recv)
	if err != nil {
		return fmt.Errorf("sync cycle: %w", err)
	}

	if output == "json" {
		return printJSON(result)
	}
	fmt.Printf("outcome: %s\nduration: %s\nsent: %d\nreceived: %d\naccessDenied: %d\nskippedDecodes: %d\nnextInterval: %s\n",
		result.Outcome, result.Duration, result.Sent, result.Received, result.AccessDenied, result.SkippedDecodes, result.NextInterval)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

