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

	"gamedex/internal/config"
	"gamedex/internal/db"
	"gamedex/internal/migrate"
	"gamedex/internal/moderation"
	"gamedex/internal/repo"
	"gamedex/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gdx",
	Short: "Gamedex CLI",
	Long: `Gamedex is a community games catalog moderated by consensus.
Core concepts:
- Entries: catalog records for games. New submissions are pending until enough
  distinct users approve them.
- Proposals: suggested changes to an entry field (flags, tags, prices, scores).
  A proposal opens with its creator's implicit approval and resolves when the
  community tally reaches the configured threshold either way.
- Votes: one per user per proposal, +1 or -1. Approval applies the change,
  rejection discards it; both outcomes are final.
- Curators: privileged roles whose proposals apply instantly without a queue.
- Event log: the audit diary of submissions, proposals, votes, and outcomes;
  view with 'gdx log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GAMEDEX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(entryCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Wrote %s and initialized %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "gamedex", "catalog name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config is the rulebook: consensus thresholds, rate limits, blocked words, privileged roles, and the service identity. Stored in gamedex.yml at the workspace root.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func entryCmd() *cobra.Command {
	entry := &cobra.Command{
		Use:   "entry",
		Short: "Manage catalog entries",
		Long:  "Entries are the catalog records. Submissions start pending and need distinct approval votes to go live; the submitter cannot approve their own entry.",
	}
	entry.AddCommand(entrySubmitCmd())
	entry.AddCommand(entryShowCmd())
	entry.AddCommand(entryListCmd())
	entry.AddCommand(entryApproveCmd())
	return entry
}

func entrySubmitCmd() *cobra.Command {
	var title, slug string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				entry, err := e.SubmitEntry(ctx, moderation.EntrySubmitOptions{
					Title:       title,
					Slug:        slug,
					SubmitterID: viper.GetString("actor-id"),
					OriginKey:   "local",
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "entry title")
	cmd.Flags().StringVar(&slug, "slug", "", "entry slug (derived from title if omitted)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func entryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entry with tags, prices, and scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				entry, err := e.Repo.GetEntry(ctx, args[0])
				if err != nil {
					return err
				}
				entry, err = e.HydrateEntry(ctx, entry)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	return cmd
}

func entryListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				entries, err := e.Repo.ListEntries(ctx, repo.EntryFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Votes", "Deck", "Pad", "EA"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.Title, entry.Status, entry.ApprovalVotes,
						entry.SteamDeckVerified, entry.ControllerSupport, entry.EarlyAccess})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "approved", "status filter (pending, approved)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func entryApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				approved, votes, err := e.ApproveSubmission(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"entry_id": args[0],
					"votes":    votes,
					"approved": approved,
				})
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Manage change proposals",
		Long:  "Proposals suggest a change to one entry field. Each opens with its creator's implicit +1 and resolves when the community tally reaches the approve or reject threshold.",
	}
	prop.AddCommand(proposalCreateCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	prop.AddCommand(proposalPruneVotesCmd())
	return prop
}

func proposalPruneVotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune-votes <id>",
		Short: "Delete the vote ledger of a resolved proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				if err := e.PruneVotes(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Pruned vote ledger of %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func proposalCreateCmd() *cobra.Command {
	var entryID, field, op, original, suggested string
	var privileged bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				opts := moderation.ProposalCreateOptions{
					EntryID:     entryID,
					ProposerID:  viper.GetString("actor-id"),
					TargetField: field,
					Operation:   op,
					Suggested:   json.RawMessage(suggested),
					Privileged:  privileged,
					OriginKey:   "local",
				}
				if original != "" {
					opts.Original = json.RawMessage(original)
				}
				p, err := e.CreateProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&entryID, "entry", "", "entry id")
	cmd.Flags().StringVar(&field, "field", "", "target field (steam_deck_verified, controller_support, early_access, tags, prices, scores)")
	cmd.Flags().StringVar(&op, "op", "", "operation (toggle, add, edit, remove)")
	cmd.Flags().StringVar(&original, "original-json", "", "original value JSON (required for edit and remove)")
	cmd.Flags().StringVar(&suggested, "suggested-json", "", "suggested value JSON")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "apply instantly with curator mandate")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("suggested-json")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var entryID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the pending queue for an entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				proposals, voted, err := e.ListPendingProposals(ctx, entryID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": proposals, "voted_on": voted})
				}
				votedSet := map[string]bool{}
				for _, id := range voted {
					votedSet[id] = true
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Field", "Op", "Tally", "Proposer", "Voted"})
				for _, p := range proposals {
					tw.AppendRow(table.Row{p.ID, p.TargetField, p.Operation, p.VoteCount, p.ProposerID, votedSet[p.ID]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entryID, "entry", "", "entry id")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func voteCmd() *cobra.Command {
	var value int
	cmd := &cobra.Command{
		Use:   "vote <proposal-id>",
		Short: "Vote on a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				p, err := e.CastVote(ctx, args[0], viper.GetString("actor-id"), value)
				if errors.Is(err, moderation.ErrTargetGone) {
					fmt.Println("warning: proposal approved but its edit target no longer exists")
					err = nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&value, "value", 1, "vote value (1 or -1)")
	return cmd
}

func tagCmd() *cobra.Command {
	tag := &cobra.Command{Use: "tag", Short: "Inspect tags"}
	tag.AddCommand(tagListCmd())
	return tag
}

func tagListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				tags, err := e.Repo.ListTags(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(tags)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit diary: submissions, proposals, votes, approvals, rejections.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entryID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, entryID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entryID, "entry", "", "entry filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision the service identity and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				key, err := e.ProvisionServiceIdentity(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{
						"actor_id": e.Config.ServiceIdentity.ActorID,
						"api_key":  key,
					})
				}
				fmt.Printf("Provisioned %s\nAPI key (store it now, only the hash is kept): %s\n",
					e.Config.ServiceIdentity.ActorID, key)
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				key, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"actor_id": actorID, "api_key": key})
				}
				fmt.Printf("API key for %s (store it now, only the hash is kept): %s\n", actorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e moderation.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := moderation.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GAMEDEX_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GAMEDEX_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gamedex API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, moderation.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, moderation.New(conn, cfg))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
