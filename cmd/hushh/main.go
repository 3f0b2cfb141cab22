package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"hushh/internal/app"
	"hushh/internal/config"
	"hushh/internal/consent"
	"hushh/internal/domain"
	"hushh/internal/repo"
	"hushh/internal/trustlink"
	"hushh/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "hushh",
	Short: "hushh consent and agent runtime",
	Long: `hushh lets agents act on a user's data only with signed, scoped consent.
- Consent tokens: HMAC-signed grants of one scope for one user, revocable by nonce.
- Vault: per-user encrypted records; every read and write checks a token.
- Trust links: an agent hands another agent access to one resource, never more than it holds.
- Agents: registered workflows that draft, wait for approval, then execute.
- Runs: one execution of an agent; state survives restarts (see 'hushh runs list').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HUSHH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "directory holding hushh.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor recorded in audit events (defaults to the user)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(vaultCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keysCmd())
}

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(cfg.Storage.DataDir) {
		cfg.Storage.DataDir = filepath.Join(workspace, cfg.Storage.DataDir)
	}
	return cfg, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, err := app.OpenRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.DB.Close()
	return fn(ctx, r)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, app.NewLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if err := a.Start(ctx); err != nil {
					return err
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				base := a.Config.Server.BasePath
				if base == "" {
					base = "/api"
				}
				a.Logger.Info("serving hushh API", "addr", addr, "base_path", base, "docs", base+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Issue and check consent tokens"}
	c.AddCommand(tokenIssueCmd())
	c.AddCommand(tokenValidateCmd())
	c.AddCommand(tokenRevokeCmd())
	c.AddCommand(tokenInspectCmd())
	return c
}

func tokenIssueCmd() *cobra.Command {
	var userID, scope, agentID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a consent token",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if ttl == 0 {
					ttl = a.Config.Consent.DefaultTTL
				}
				if agentID == "" {
					agentID = a.Config.Consent.Issuer
				}
				tok, serialized, err := a.Codec.Issue(userID, agentID, s, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": serialized, "expires_at": tok.ExpiresAt, "scope": tok.Scope, "nonce": tok.Nonce})
				}
				fmt.Println(serialized)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token is for")
	cmd.Flags().StringVar(&scope, "scope", "", "scope to grant")
	cmd.Flags().StringVar(&agentID, "agent", "", "issuing agent id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (defaults to consent.default_ttl)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func tokenValidateCmd() *cobra.Command {
	var token, scope, userID string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a token against a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseScope(scope)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tok, err := a.Guard.Check(ctx, token, userID, s)
				out := map[string]any{"valid": err == nil}
				if err != nil {
					reason, ok := consent.ReasonOf(err)
					if !ok {
						return err
					}
					out["reason"] = reason
					out["detail"] = err.Error()
				}
				if tok.Nonce != "" {
					out["token"] = tok
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "serialized consent token")
	cmd.Flags().StringVar(&scope, "scope", "", "scope the caller needs")
	cmd.Flags().StringVar(&userID, "user", "", "expected subject (optional)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func tokenRevokeCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a consent token and the trust links derived from it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tok, err := a.Guard.Validator.Verify(token)
				if err != nil {
					return err
				}
				revoked, err := a.Revocations.Revoke(ctx, tok.Nonce, tok.ExpiresAt)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"nonce": tok.Nonce, "revoked": revoked})
				}
				if revoked {
					fmt.Println("revoked", tok.Nonce)
				} else {
					fmt.Println("already revoked", tok.Nonce)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "serialized consent token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func tokenInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a token without checking its signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := consent.Decode(args[0])
			if err != nil {
				return err
			}
			return printJSON(tok)
		},
	}
	return cmd
}

func linkCmd() *cobra.Command {
	c := &cobra.Command{Use: "link", Short: "Delegate resource access between agents"}
	c.AddCommand(linkIssueCmd())
	c.AddCommand(linkValidateCmd())
	return c
}

func linkIssueCmd() *cobra.Command {
	var req trustlink.Request
	var parent, scope string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a trust link from a parent consent token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope != "" {
				s, err := domain.ParseScope(scope)
				if err != nil {
					return err
				}
				req.Scope = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				link, serialized, err := a.Links.Issue(ctx, parent, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"trust_link": serialized, "link": link})
				}
				fmt.Println(serialized)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent consent token")
	cmd.Flags().StringVar(&req.FromAgent, "from", "", "delegating agent (defaults to the parent's issuer)")
	cmd.Flags().StringVar(&req.ToAgent, "to", "", "receiving agent")
	cmd.Flags().StringVar(&req.Subject, "user", "", "expected subject of the parent token")
	cmd.Flags().StringVar(&req.ResourceType, "resource-type", "", "vault category")
	cmd.Flags().StringVar(&req.ResourceID, "resource-id", "", "resource name")
	cmd.Flags().StringVar(&req.Access, "access", "read", "read or write")
	cmd.Flags().StringVar(&scope, "scope", "", "explicit scope (defaults to the narrowest)")
	cmd.Flags().DurationVar(&req.TTL, "ttl", time.Hour, "link lifetime")
	_ = cmd.MarkFlagRequired("parent")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("resource-type")
	_ = cmd.MarkFlagRequired("resource-id")
	return cmd
}

func linkValidateCmd() *cobra.Command {
	var link, scope string
	var exp trustlink.Expected
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a trust link for an agent and resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope != "" {
				s, err := domain.ParseScope(scope)
				if err != nil {
					return err
				}
				exp.Scope = s
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Links.Validator().Validate(ctx, link, exp)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"valid": res.Valid, "reason": res.Reason, "detail": res.Detail, "link": res.Link})
			})
		},
	}
	cmd.Flags().StringVar(&link, "link", "", "serialized trust link")
	cmd.Flags().StringVar(&exp.AgentID, "agent", "", "agent presenting the link")
	cmd.Flags().StringVar(&exp.Subject, "user", "", "expected subject")
	cmd.Flags().StringVar(&exp.ResourceType, "resource-type", "", "expected vault category")
	cmd.Flags().StringVar(&exp.ResourceID, "resource-id", "", "resource name")
	cmd.Flags().StringVar(&scope, "scope", "", "scope the caller needs")
	_ = cmd.MarkFlagRequired("link")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("resource-id")
	return cmd
}

func agentsCmd() *cobra.Command {
	c := &cobra.Command{Use: "agents", Short: "Inspect registered agents"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list := a.Registry.List()
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Generate", "Execute"})
				for _, m := range list {
					tw.AppendRow(table.Row{m.AgentID, m.Name, m.Version, joinScopes(m.RequiredScopes[domain.OpGenerate]), joinScopes(m.RequiredScopes[domain.OpExecute])})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show <agent_id>",
		Short: "Show an agent manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				reg, err := a.Registry.Get(args[0])
				if err != nil {
					return err
				}
				return printJSON(reg.Manifest)
			})
		},
	})
	return c
}

func runsCmd() *cobra.Command {
	c := &cobra.Command{Use: "runs", Short: "Start, review and inspect agent runs"}
	c.AddCommand(runsStartCmd())
	c.AddCommand(runsListCmd())
	c.AddCommand(runsShowCmd())
	c.AddCommand(runsDecideCmd("approve", workflow.DecisionApproved))
	c.AddCommand(runsDecideCmd("feedback", workflow.DecisionFeedback))
	c.AddCommand(runsCancelCmd())
	return c
}

func actor(userID string) string {
	if a := viper.GetString("actor-id"); a != "" {
		return a
	}
	return userID
}

// parseTokens reads repeated scope=token flags.
func parseTokens(pairs []string) (map[domain.Scope]string, error) {
	out := make(map[domain.Scope]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("--token %q must be scope=token", p)
		}
		s, err := domain.ParseScope(k)
		if err != nil {
			return nil, err
		}
		out[s] = v
	}
	return out, nil
}

// settle waits for the run to pause or finish so the local worker is not cut
// off when the command exits.
func settle(ctx context.Context, e *workflow.Engine, run domain.WorkflowRun, wait time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	settled, err := e.Wait(wctx, run.RunID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if settled.RunID == "" {
		settled = run
	}
	if settled, err = e.Reveal(ctx, settled); err != nil {
		return err
	}
	return printRun(settled)
}

func runsStartCmd() *cobra.Command {
	var userID, params string
	var tokens []string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "start <agent_id>",
		Short: "Dispatch an agent run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toks, err := parseTokens(tokens)
			if err != nil {
				return err
			}
			if params == "" {
				params = "{}"
			}
			if !json.Valid([]byte(params)) {
				return fmt.Errorf("--params must be JSON")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Dispatch(ctx, workflow.DispatchRequest{
					AgentID:    args[0],
					UserID:     userID,
					Tokens:     toks,
					Parameters: json.RawMessage(params),
					Actor:      actor(userID),
				})
				if err != nil {
					return err
				}
				return settle(ctx, a.Engine, run, wait)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "scope=token, repeatable")
	cmd.Flags().StringVar(&params, "params", "", "agent parameters as JSON")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the run to settle")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runsListCmd() *cobra.Command {
	var f repo.RunFilters
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" {
				f.States = []domain.RunState{domain.RunState(strings.ToUpper(state))}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Agent", "User", "State", "Draft", "Updated"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.RunID, run.AgentID, run.UserID, run.State, run.DraftVersion, run.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func runsShowCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run with its drafts and effects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if userID != "" && run.UserID != userID {
					return repo.ErrNotFound
				}
				drafts, err := r.ListDrafts(ctx, run.RunID)
				if err != nil {
					return err
				}
				effects, err := r.ListEffects(ctx, nil, run.RunID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"run": run, "drafts": drafts, "effects": effects})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user")
	return cmd
}

func runsDecideCmd(use, decision string) *cobra.Command {
	var userID, text string
	var tokens []string
	var wait time.Duration
	short := "Approve a draft and execute the run"
	if decision == workflow.DecisionFeedback {
		short = "Send feedback and regenerate the draft"
	}
	cmd := &cobra.Command{
		Use:   use + " <run_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toks, err := parseTokens(tokens)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Approve(ctx, workflow.ApproveRequest{
					RunID:        args[0],
					UserID:       userID,
					Decision:     decision,
					FeedbackText: text,
					Tokens:       toks,
					Actor:        actor(userID),
				})
				if err != nil {
					return err
				}
				return settle(ctx, a.Engine, run, wait)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "replacement scope=token, repeatable")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "how long to wait for the run to settle")
	if decision == workflow.DecisionFeedback {
		cmd.Flags().StringVar(&text, "text", "", "feedback text")
		_ = cmd.MarkFlagRequired("text")
	}
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runsCancelCmd() *cobra.Command {
	var userID, reason string
	cmd := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Cancel(ctx, workflow.CancelRequest{
					RunID:  args[0],
					UserID: userID,
					Actor:  actor(userID),
					Reason: reason,
				})
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printRun(run domain.WorkflowRun) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("run %s (%s) %s\n", run.RunID, run.AgentID, run.State)
	if run.DraftContent != "" && run.State == domain.StateAwaitingApproval {
		fmt.Printf("\ndraft v%d:\n%s\n", run.DraftVersion, run.DraftContent)
	}
	if run.Result != nil {
		fmt.Printf("succeeded=%d failed=%d skipped=%d\n", len(run.Result.Succeeded), len(run.Result.Failed), len(run.Result.Skipped))
		if link, ok := run.Result.Output["trust_link"].(string); ok {
			fmt.Printf("trust link for %v: %s\n", run.Result.Output["trust_link_to"], link)
		}
	}
	for _, e := range run.Errors {
		fmt.Printf("error: %s: %s\n", e.Kind, e.Reason)
	}
	return nil
}

func vaultCmd() *cobra.Command {
	c := &cobra.Command{Use: "vault", Short: "Read and write encrypted user records"}
	c.AddCommand(vaultPutCmd())
	c.AddCommand(vaultGetCmd())
	c.AddCommand(vaultVersionsCmd())
	c.AddCommand(vaultDeleteCmd())
	return c
}

type vaultCreds struct {
	token, link, agent string
}

func (v *vaultCreds) bind(cmd *cobra.Command, delegated bool) {
	cmd.Flags().StringVar(&v.token, "token", "", "consent token")
	if delegated {
		cmd.Flags().StringVar(&v.link, "link", "", "trust link (instead of --token)")
		cmd.Flags().StringVar(&v.agent, "agent", "", "agent presenting --link")
	}
}

func (v vaultCreds) check() error {
	if v.token == "" && v.link == "" {
		return fmt.Errorf("--token or --link is required")
	}
	if v.link != "" && v.agent == "" {
		return fmt.Errorf("--agent is required with --link")
	}
	return nil
}

func vaultPutCmd() *cobra.Command {
	var creds vaultCreds
	var file string
	cmd := &cobra.Command{
		Use:   "put <user_id> <resource_name>",
		Short: "Store a new version of a record (reads stdin without --file)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.check(); err != nil {
				return err
			}
			var data []byte
			var err error
			if file == "" || file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var rec domain.VaultRecord
				if creds.link != "" {
					rec, err = a.Vault.WriteDelegated(ctx, creds.link, creds.agent, args[0], args[1], data)
				} else {
					rec, err = a.Vault.Write(ctx, args[0], args[1], data, creds.token)
				}
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	creds.bind(cmd, true)
	cmd.Flags().StringVarP(&file, "file", "f", "", "file to store")
	return cmd
}

func vaultGetCmd() *cobra.Command {
	var creds vaultCreds
	var version int
	var out string
	cmd := &cobra.Command{
		Use:   "get <user_id> <resource_name>",
		Short: "Decrypt a record to stdout or --out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.check(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var data []byte
				var err error
				switch {
				case creds.link != "":
					data, err = a.Vault.ReadDelegated(ctx, creds.link, creds.agent, args[0], args[1])
				case version > 0:
					data, err = a.Vault.ReadVersion(ctx, args[0], args[1], version, creds.token)
				default:
					data, err = a.Vault.Read(ctx, args[0], args[1], creds.token)
				}
				if err != nil {
					return err
				}
				if out != "" {
					return os.WriteFile(out, data, 0o600)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	creds.bind(cmd, true)
	cmd.Flags().IntVar(&version, "version", 0, "version to read (defaults to latest)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file")
	return cmd
}

func vaultVersionsCmd() *cobra.Command {
	var creds vaultCreds
	cmd := &cobra.Command{
		Use:   "versions <user_id> <resource_name>",
		Short: "List stored versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.check(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				recs, err := a.Vault.Versions(ctx, args[0], args[1], creds.token)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Category", "Algorithm", "Created"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{rec.Version, rec.Category, rec.Encryption.Algorithm, rec.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	creds.bind(cmd, false)
	return cmd
}

func vaultDeleteCmd() *cobra.Command {
	var creds vaultCreds
	cmd := &cobra.Command{
		Use:   "delete <user_id> <resource_name>",
		Short: "Delete every version of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := creds.check(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Vault.Delete(ctx, args[0], args[1], creds.token)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d version(s)\n", n)
				return nil
			})
		},
	}
	creds.bind(cmd, false)
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage hushh.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default hushh.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", p)
			}
			if err := os.WriteFile(p, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", p)
			fmt.Println("set HUSHH_SECRET_KEY (32+ bytes) and HUSHH_VAULT_KEY (64 hex chars) before 'hushh serve'")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	})
	return c
}

func keysCmd() *cobra.Command {
	c := &cobra.Command{Use: "keys", Short: "Manage API keys for server.require_api_key"}
	var clientID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "hk_" + hex.EncodeToString(buf)
			key := repo.APIKey{ID: uuid.NewString(), ClientID: clientID, Name: name, KeyHash: repo.HashAPIKey(secret)}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "client_id": key.ClientID, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&clientID, "client", "", "client id")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("client")
	c.AddCommand(create)

	var listClient string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, listClient)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ClientID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listClient, "client", "", "client filter")
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return c
}

func joinScopes(scopes []domain.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
