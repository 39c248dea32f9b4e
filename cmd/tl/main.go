package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskloom/internal/app"
	"taskloom/internal/db"
	"taskloom/internal/domain"
	"taskloom/internal/engine"
	"taskloom/internal/repo"
	"taskloom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Taskloom CLI",
	Long: `Taskloom is a persistent task graph for autonomous agents.
Agents decompose goals into nested nodes, declare dependencies between
them, claim and resolve leaf work, and leave an auditable trail. The
graph lives in .taskloom inside the workspace.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKLOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "local-agent", "agent identifier")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(restructureCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(serveCmd())
}

func openCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "open [project]",
		Short: "Open a project (creates it on first use), or list all projects",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				project := viper.GetString("project")
				if len(args) > 0 {
					project = args[0]
				}
				if project == "" {
					items, err := env.Engine.ListProjects(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(items)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Project", "Goal", "Progress", "Created"})
					for _, s := range items {
						tw.AppendRow(table.Row{s.Project, s.Goal, fmt.Sprintf("%d/%d", s.Progress.Resolved, s.Progress.Total), s.CreatedAt})
					}
					tw.Render()
					return nil
				}
				s, err := env.Engine.Open(ctx, project, goal, viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "root node summary for a new project")
	return cmd
}

// planFileNode mirrors engine.PlanNode for the --file format.
type planFileNode struct {
	Ref          string         `yaml:"ref" json:"ref"`
	Parent       string         `yaml:"parent" json:"parent"`
	Summary      string         `yaml:"summary" json:"summary"`
	State        map[string]any `yaml:"state,omitempty" json:"state,omitempty"`
	Properties   map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
	ContextLinks []string       `yaml:"context_links,omitempty" json:"context_links,omitempty"`
	DependsOn    []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

func planCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create a batch of nodes atomically from a YAML/JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var nodes []planFileNode
			if err := yaml.Unmarshal(data, &nodes); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			batch := make([]engine.PlanNode, 0, len(nodes))
			for _, fn := range nodes {
				pn := engine.PlanNode{
					Ref:          fn.Ref,
					ParentRef:    fn.Parent,
					Summary:      fn.Summary,
					Properties:   fn.Properties,
					ContextLinks: fn.ContextLinks,
					DependsOn:    fn.DependsOn,
				}
				if fn.State != nil {
					b, err := json.Marshal(fn.State)
					if err != nil {
						return err
					}
					s := string(b)
					pn.State = &s
				}
				batch = append(batch, pn)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				ids, err := env.Engine.Plan(ctx, batch, viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSON(ids)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "plan file (YAML or JSON list of nodes)")
	return cmd
}

func nextCmd() *cobra.Command {
	var claim bool
	var ttl int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the best actionable node, optionally claiming it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				project, err := env.Project(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				n, err := env.Engine.Next(ctx, project, viper.GetString("agent"), claim, time.Duration(ttl)*time.Second)
				if err != nil {
					return err
				}
				if n == nil {
					fmt.Println("no actionable node")
					return nil
				}
				return printJSON(n)
			})
		},
	}
	cmd.Flags().BoolVar(&claim, "claim", false, "lease the selected node")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "claim TTL in seconds (0 = config default)")
	return cmd
}

func contextCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "context <node-id>",
		Short: "Show a node with ancestors, children tree and dependency status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				c, err := env.Engine.Context(ctx, args[0], depth)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				for _, a := range c.Ancestors {
					fmt.Printf("%s  %s\n", a.ID, a.Summary)
				}
				marker := " "
				if c.Node.Resolved {
					marker = "x"
				}
				fmt.Printf("[%s] %s  %s  (%d/%d)\n", marker, c.Node.ID, c.Node.Summary, c.Progress.Resolved, c.Progress.Total)
				printTree(c.Children, "")
				for _, d := range c.DependsOn {
					state := "pending"
					if d.Resolved {
						state = "resolved"
					}
					fmt.Printf("  depends on %s (%s): %s\n", d.ID, state, d.Summary)
				}
				for _, d := range c.Dependents {
					fmt.Printf("  blocks %s: %s\n", d.ID, d.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "children tree depth (0 = config default)")
	return cmd
}

func printTree(nodes []engine.TreeNode, prefix string) {
	for i, tn := range nodes {
		connector, newPrefix := "├── ", prefix+"│   "
		if i == len(nodes)-1 {
			connector, newPrefix = "└── ", prefix+"    "
		}
		marker := " "
		if tn.Node.Resolved {
			marker = "x"
		}
		suffix := ""
		if tn.Truncated {
			suffix = fmt.Sprintf(" … (%d/%d below)", tn.Progress.Resolved, tn.Progress.Total)
		}
		fmt.Printf("%s%s[%s] %s%s\n", prefix, connector, marker, tn.Node.Summary, suffix)
		printTree(tn.Children, newPrefix)
	}
}

func updateCmd() *cobra.Command {
	var resolved, blocked, unblocked bool
	var state, blockedReason, evidenceType, evidenceRef string
	var props, links []string
	cmd := &cobra.Command{
		Use:   "update <node-id>",
		Short: "Apply field changes to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := engine.NodeUpdate{NodeID: args[0]}
			if cmd.Flags().Changed("resolved") {
				u.Resolved = &resolved
			}
			if cmd.Flags().Changed("blocked") {
				u.Blocked = &blocked
			}
			if unblocked {
				f := false
				u.Blocked = &f
			}
			if blockedReason != "" {
				u.BlockedReason = &blockedReason
			}
			if state != "" {
				u.State = &state
			}
			if len(props) > 0 {
				u.Properties = map[string]any{}
				for _, kv := range props {
					k, v, ok := strings.Cut(kv, "=")
					if !ok {
						return fmt.Errorf("invalid --prop %q, want key=value", kv)
					}
					var parsed any
					if err := json.Unmarshal([]byte(v), &parsed); err != nil {
						parsed = v
					}
					u.Properties[k] = parsed
				}
			}
			u.AddContextLinks = links
			if evidenceRef != "" {
				if evidenceType == "" {
					evidenceType = "note"
				}
				u.AddEvidence = []domain.Evidence{{Type: evidenceType, Ref: evidenceRef}}
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Update(ctx, []engine.NodeUpdate{u}, viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&resolved, "resolved", false, "set the resolved flag")
	cmd.Flags().StringVar(&state, "state", "", "replace node state (JSON)")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "merge property key=value (value parsed as JSON when possible)")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "set the blocked flag")
	cmd.Flags().BoolVar(&unblocked, "unblocked", false, "clear the blocked flag")
	cmd.Flags().StringVar(&blockedReason, "blocked-reason", "", "blocked explanation (implies --blocked)")
	cmd.Flags().StringArrayVar(&links, "link", nil, "append a context link")
	cmd.Flags().StringVar(&evidenceType, "evidence-type", "", "evidence type (default note)")
	cmd.Flags().StringVar(&evidenceRef, "evidence", "", "append evidence with this ref")
	return cmd
}

func resolveCmd() *cobra.Command {
	var evidenceRef string
	cmd := &cobra.Command{
		Use:   "resolve <node-id>...",
		Short: "Mark nodes resolved, reporting what became actionable",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := true
			var updates []engine.NodeUpdate
			for _, id := range args {
				u := engine.NodeUpdate{NodeID: id, Resolved: &t}
				if evidenceRef != "" {
					u.AddEvidence = []domain.Evidence{{Type: "note", Ref: evidenceRef}}
				}
				updates = append(updates, u)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Update(ctx, updates, viper.GetString("agent"))
				if err != nil {
					return err
				}
				for _, n := range res.NewlyActionable {
					fmt.Printf("now actionable: %s  %s\n", n.ID, n.Summary)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evidenceRef, "evidence", "", "append evidence with this ref")
	return cmd
}

func connectCmd() *cobra.Command {
	var edgeType string
	var remove bool
	cmd := &cobra.Command{
		Use:   "connect <from> <to>",
		Short: "Add or remove a typed edge between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Connect(ctx, args[0], args[1], edgeType, viper.GetString("agent"), remove)
			})
		},
	}
	cmd.Flags().StringVar(&edgeType, "type", domain.EdgeDependsOn, "edge type (depends_on or relates_to)")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the edge instead of adding it")
	return cmd
}

func queryCmd() *cobra.Command {
	var text, ancestor, propKey, propValue string
	var actionable, resolved, unresolved, blocked bool
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List nodes matching filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.NodeFilters{
				Project:    viper.GetString("project"),
				Text:       text,
				Ancestor:   ancestor,
				Actionable: actionable,
				Agent:      viper.GetString("agent"),
				PropKey:    propKey,
				PropValue:  propValue,
				Limit:      limit,
			}
			if resolved {
				t := true
				f.Resolved = &t
			}
			if unresolved {
				fl := false
				f.Resolved = &fl
			}
			if cmd.Flags().Changed("blocked") {
				f.Blocked = &blocked
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				nodes, err := env.Engine.Query(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Summary", "Resolved", "Priority", "Claimed by"})
				for _, n := range nodes {
					prio, claimed := "", ""
					if n.Priority != nil {
						prio = fmt.Sprintf("%d", *n.Priority)
					}
					if n.Claim != nil {
						claimed = n.Claim.Agent
					}
					tw.AppendRow(table.Row{n.ID, n.Summary, n.Resolved, prio, claimed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "substring match on summary")
	cmd.Flags().StringVar(&ancestor, "under", "", "restrict to the subtree under this node")
	cmd.Flags().BoolVar(&actionable, "actionable", false, "only actionable nodes")
	cmd.Flags().BoolVar(&resolved, "resolved", false, "only resolved nodes")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only unresolved nodes")
	cmd.Flags().BoolVar(&blocked, "blocked", false, "filter by blocked flag")
	cmd.Flags().StringVar(&propKey, "prop-key", "", "property key to match")
	cmd.Flags().StringVar(&propValue, "prop-value", "", "property value to match")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func restructureCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "restructure", Short: "Replan the graph: move, merge or drop nodes"}
	cmd.AddCommand(moveCmd())
	cmd.AddCommand(mergeCmd())
	cmd.AddCommand(dropCmd())
	return cmd
}

func moveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move <node-id> <new-parent-id>",
		Short: "Reparent a node and its subtree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.Engine.Move(ctx, args[0], args[1], viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSON(n)
			})
		},
	}
	return cmd
}

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <into-id> <from-id>",
		Short: "Absorb one node into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				n, err := env.Engine.Merge(ctx, args[0], args[1], viper.GetString("agent"))
				if err != nil {
					return err
				}
				return printJSON(n)
			})
		},
	}
	return cmd
}

func dropCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "drop <node-id>",
		Short: "Remove a node; children are reparented unless --cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				removed, err := env.Engine.Drop(ctx, args[0], viper.GetString("agent"), cascade)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d node(s)\n", len(removed))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "remove the entire subtree")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <node-id>",
		Short: "Show a node's audit trail, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				entries, err := env.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Agent", "Action", "Details"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.Agent, e.Action, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <node-id>",
		Short: "Release a claim held by this agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Release(ctx, args[0], viper.GetString("agent"))
			})
		},
	}
	return cmd
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Snapshot and restore the graph store"}
	cmd.AddCommand(backupCreateCmd())
	cmd.AddCommand(backupListCmd())
	cmd.AddCommand(backupRestoreCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup with an arbitrary tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				dest, err := env.Backups.Create(ctx, tag)
				if err != nil {
					return err
				}
				if dest == "" {
					fmt.Println("store is in-memory, nothing to back up")
					return nil
				}
				fmt.Println(dest)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "manual", "backup tag")
	return cmd
}

func backupListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				backups, err := env.Backups.List()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(backups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "File", "Tag", "Size", "Created"})
				for i, b := range backups {
					tw.AppendRow(table.Row{i + 1, b.Name, b.Tag, b.Size, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <filename-or-index>",
		Short: "Replace the live store with a backup (1 = most recent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				// close the live handle before overwriting its file
				env.DB.Close()
				name, err := env.Backups.Restore(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("restored %s; reopen or restart to use it\n", name)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP tool-call API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: os.Getenv("TASKLOOM_JWT_SECRET")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Taskloom API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Setup(ctx, viper.GetString("workspace"), false)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
