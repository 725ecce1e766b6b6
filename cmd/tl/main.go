package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tierline/internal/app"
	"tierline/internal/catalog"
	"tierline/internal/config"
	"tierline/internal/db"
	"tierline/internal/domain"
	"tierline/internal/engine"
	"tierline/internal/events"
	"tierline/internal/migrate"
	"tierline/internal/policy"
	"tierline/internal/repo"
	"tierline/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tierline CLI",
	Long: `Tierline decides how far a proposal escalates and who may act on it.
Core concepts:
- Score: the engagement number computed upstream; tierline only reads it.
- Track: AGENDA or PROJECT. The system mode picks which ladder is in force ('tl mode').
- Level: a rung of the ladder. A score resolves to the highest rung whose cutoff it reaches ('tl level').
- Responsibility: min and target org levels per rung. They decide approver, supervisor and observer rights ('tl permission').
- Voting group: departments that vote as one, with a fixed or rotating approver ('tl group').
- Top admin: the only org level allowed to switch modes, change approvers or override thresholds.
- Audit: every privileged attempt, granted or denied, lands in the event log ('tl audit tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if viper.GetBool("verbose") {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
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
	viper.SetEnvPrefix("TIERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "organization id (defaults to the only one stored)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"workspace", "json", "actor-id", "org", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(levelCmd())
	rootCmd.AddCommand(permissionCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(modeCmd())
	rootCmd.AddCommand(thresholdCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and seed the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := migrate.Version(ctx, e.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"organization":   e.OrgID,
					"mode":           e.Modes.Current().Current,
					"schema_version": v,
					"database":       db.Path(viper.GetString("workspace")),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Organization: %s\n", e.OrgID)
				fmt.Printf("Mode: %s\n", e.Modes.Current().Current)
				fmt.Printf("Database: %s (schema v%d)\n", out["database"], v)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and import the org config",
		Long:  "The config is the rulebook stored in the DB: top admin level, default mode, threshold ladders, responsibilities and voting groups. Import it from tierline.yml.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault(firstNonEmpty(viper.GetString("org"), app.DefaultOrgID)))
			return nil
		},
	})
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.Repo.GetOrgConfig(ctx, e.OrgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				data, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportConfig(ctx, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("imported %s into %s\n", filePath, e.OrgID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file, or the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filePath != "" {
				_, err = config.FromFile(filePath)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					cfg, err := e.Repo.GetOrgConfig(ctx, e.OrgID)
					if err != nil {
						return err
					}
					return cfg.Validate()
				})
			}
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
	cmd.Flags().StringVar(&filePath, "file", "", "YAML file to validate instead of the stored config")
	return cmd
}

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage the org chart",
	}
	var level float64
	var dept string
	set := &cobra.Command{
		Use:   "set <id>",
		Short: "Record an actor's org level and department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a := domain.Actor{ID: args[0], OrgLevel: level, DepartmentID: dept}
				if err := e.PutActor(ctx, a, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	set.Flags().Float64Var(&level, "level", 0, "org level (higher is more senior)")
	set.Flags().StringVar(&dept, "department", "", "department id")
	_ = set.MarkFlagRequired("level")

	list := &cobra.Command{
		Use:   "list",
		Short: "List actors by seniority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actors, err := e.Auth.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				renderActors(actors, e.Catalog.Load().TopAdminLevel())
				return nil
			})
		},
	}
	cmd.AddCommand(set, list)
	return cmd
}

func levelCmd() *cobra.Command {
	var dept, track string
	cmd := &cobra.Command{
		Use:   "level <score>",
		Short: "Resolve a score to a level on the track in force",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := parseScore(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var t domain.Track
				var l domain.Level
				if track != "" {
					t = domain.Track(strings.ToUpper(track))
					l, err = policy.ResolveLevel(score, t, e.Catalog.Thresholds(t, dept))
				} else {
					t, l, err = e.ResolveLevel(ctx, score, dept)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"track": t, "level": l})
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "department id (Project overrides apply)")
	cmd.Flags().StringVar(&track, "track", "", "resolve on this track instead of the mode in force")
	return cmd
}

func permissionCmd() *cobra.Command {
	var track, level, actorID string
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Resolve an actor's rights at a level",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := trackOrMode(e, track)
				if err != nil {
					return err
				}
				a, err := e.ActorFor(ctx, firstNonEmpty(actorID, viper.GetString("actor-id")))
				if err != nil {
					return err
				}
				d := e.ResolvePermission(a, t, domain.Level(strings.ToUpper(level)))
				if viper.GetBool("json") {
					return printJSON(d)
				}
				renderDecision(a, d)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&track, "track", "", "track (defaults to the mode in force)")
	cmd.Flags().StringVar(&level, "level", "", "level name")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor to resolve (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("level")

	var matrixTrack string
	matrix := &cobra.Command{
		Use:   "matrix",
		Short: "Show every actor's role at every level of a track",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := trackOrMode(e, matrixTrack)
				if err != nil {
					return err
				}
				actors, err := e.Auth.ListActors(ctx)
				if err != nil {
					return err
				}
				levels := domain.Ladder(t)[1:]
				rows := make(map[string]map[domain.Level]domain.PermissionDecision, len(actors))
				for _, a := range actors {
					rows[a.ID] = make(map[domain.Level]domain.PermissionDecision, len(levels))
					for _, l := range levels {
						rows[a.ID][l] = e.ResolvePermission(a, t, l)
					}
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				renderMatrix(actors, levels, rows)
				return nil
			})
		},
	}
	matrix.Flags().StringVar(&matrixTrack, "track", "", "track (defaults to the mode in force)")
	cmd.AddCommand(matrix)
	return cmd
}

func evaluateCmd() *cobra.Command {
	var dept, actorID string
	cmd := &cobra.Command{
		Use:   "evaluate <score>",
		Short: "Resolve level, responsibility and rights for a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := parseScore(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ActorFor(ctx, firstNonEmpty(actorID, viper.GetString("actor-id")))
				if err != nil {
					return err
				}
				ev, err := e.EvaluateProposal(ctx, engine.Proposal{Score: score, DepartmentID: dept}, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				renderEvaluation(a, ev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dept, "department", "", "proposing department")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor to evaluate for (defaults to --actor-id)")
	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Inspect voting groups and drive rotation",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List voting groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				gs := e.Groups.List()
				if viper.GetBool("json") {
					return printJSON(groupViews(gs))
				}
				renderGroups(gs)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a voting group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Groups.Get(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groupView(g))
				}
				renderGroups([]domain.VotingGroup{g})
				return nil
			})
		},
	})

	var tick string
	var dueOnly bool
	advance := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a group's rotation (called by the scheduler)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if tick != "" {
				parsed, err := time.Parse(time.RFC3339, tick)
				if err != nil {
					return fmt.Errorf("invalid --tick: %w", err)
				}
				at = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if dueOnly {
					g, err := e.Groups.Get(args[0])
					if err != nil {
						return err
					}
					rot, ok := g.Rotating()
					if !ok {
						return fmt.Errorf("%w: %s", policy.ErrRotationDisabled, g.ID)
					}
					if !policy.RotationDue(rot, at) {
						fmt.Printf("%s: rotation not due\n", g.ID)
						return nil
					}
				}
				g, advanced, err := e.AdvanceRotation(ctx, args[0], at, domain.Actor{ID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"group": groupView(g), "advanced": advanced})
				}
				if advanced {
					fmt.Printf("%s: approver is now %s\n", g.ID, g.CurrentApprover())
				} else {
					fmt.Printf("%s: already advanced for this tick (approver %s)\n", g.ID, g.CurrentApprover())
				}
				return nil
			})
		},
	}
	advance.Flags().StringVar(&tick, "tick", "", "scheduler tick (RFC3339, defaults to now)")
	advance.Flags().BoolVar(&dueOnly, "due-only", false, "skip unless the rotation period has elapsed")
	cmd.AddCommand(advance)

	cmd.AddCommand(&cobra.Command{
		Use:   "set-approver <id> <approver-id>",
		Short: "Change a group's primary approver (top admin only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ActorFor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				g, err := e.SetPrimaryApprover(ctx, args[0], args[1], a)
				if err != nil {
					return err
				}
				return printJSONOrTable(groupView(g))
			})
		},
	})
	return cmd
}

func modeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show or switch the system mode",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the mode in force",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Modes.Current())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <AGENDA|PROJECT>",
		Short: "Switch the mode (top admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ActorFor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				m, err := e.SetMode(ctx, domain.Track(strings.ToUpper(args[0])), a)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	return cmd
}

func thresholdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Inspect ladders and department overrides",
	}
	var track, dept string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show a track's ladder with cutoffs and responsibilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := trackOrMode(e, track)
				if err != nil {
					return err
				}
				rungs := e.Catalog.Load().Ladder(t, dept)
				if viper.GetBool("json") {
					return printJSON(rungs)
				}
				renderLadder(t, dept, rungs)
				return nil
			})
		},
	}
	show.Flags().StringVar(&track, "track", "", "track (defaults to the mode in force)")
	show.Flags().StringVar(&dept, "department", "", "department id")

	var entries []string
	var clearOverride bool
	set := &cobra.Command{
		Use:   "set-department <department>",
		Short: "Override Project cutoffs for a department (top admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(entries) == 0 && !clearOverride {
				return errors.New("--entry required (or --clear)")
			}
			parsed, err := parseEntries(entries)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ActorFor(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				table, err := e.SetDepartmentThresholds(ctx, args[0], parsed, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(table)
				}
				renderLadder(domain.TrackProject, args[0], e.Catalog.Load().Ladder(domain.TrackProject, args[0]))
				return nil
			})
		},
	}
	set.Flags().StringArrayVar(&entries, "entry", nil, "LEVEL=cutoff, in ladder order (repeatable)")
	set.Flags().BoolVar(&clearOverride, "clear", false, "remove the override")
	cmd.AddCommand(show, set)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit log",
	}
	var n int
	var action, actorID string
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest privileged actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, _, err := e.AuditTail(ctx, repo.EventFilters{Type: action, ActorID: actorID, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(entries); err != nil {
						return err
					}
				} else {
					renderAudit(entries)
				}
				if !follow {
					return nil
				}
				return followAudit(ctx, e, action, actorID)
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	tail.Flags().StringVar(&action, "action", "", "action filter")
	tail.Flags().StringVar(&actorID, "actor", "", "actor filter")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries")
	cmd.AddCommand(tail)
	return cmd
}

// followAudit polls the event log until ctx ends.
func followAudit(ctx context.Context, e engine.Engine, action, actorID string) error {
	cursor, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		evts, err := e.Repo.EventsAfter(ctx, 100, cursor)
		if err != nil {
			return err
		}
		for _, ev := range evts {
			cursor = ev.ID
			if !engine.IsAuditAction(ev.Type) || (action != "" && ev.Type != action) || (actorID != "" && ev.ActorID != actorID) {
				continue
			}
			entry, err := events.ToAuditEntry(ev)
			if err != nil {
				logger.Warn("skipping unreadable audit event", zap.Int64("id", ev.ID), zap.Error(err))
				continue
			}
			if viper.GetBool("json") {
				_ = printJSON(entry)
				continue
			}
			renderAudit([]domain.AuditEntry{entry})
		}
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.CreateAPIKey(ctx, actorID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plaintext})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	list.Flags().StringVar(&actorID, "actor", "", "actor filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, watchConfig string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				OrgID:     viper.GetString("org"),
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer s.Close()
			e := s.Engine

			if watchConfig != "" {
				w, err := catalog.NewWatcher(watchConfig, e.Catalog, logger.Named("watcher"))
				if err != nil {
					return err
				}
				w.OnReload(func(cfg *config.Config) error {
					return e.ReloadConfig(ctx, cfg, "config-watcher")
				})
				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Stop()
			}

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-actor-header"),
				EnableDevLogin:         devLogin,
				Logger:                 logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TIERLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Tierline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&watchConfig, "watch-config", "", "YAML file to hot-reload into the threshold store")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (never in production)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().Bool("allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("allow-legacy-actor-header", cmd.Flags().Lookup("allow-legacy-actor-header"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	s, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		OrgID:     viper.GetString("org"),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.Engine)
}

func trackOrMode(e engine.Engine, track string) (domain.Track, error) {
	if track == "" {
		return e.Modes.Track(), nil
	}
	t := domain.Track(strings.ToUpper(track))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", policy.ErrUnknownTrack, track)
	}
	return t, nil
}

func parseScore(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", policy.ErrInvalidScore, s)
	}
	return v, nil
}

// parseEntries reads LEVEL=cutoff pairs in the order given.
func parseEntries(items []string) ([]domain.Threshold, error) {
	var out []domain.Threshold
	for _, item := range items {
		level, cutoff, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --entry %q: want LEVEL=cutoff", item)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(cutoff), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --entry %q: %w", item, err)
		}
		out = append(out, domain.Threshold{Level: domain.Level(strings.ToUpper(strings.TrimSpace(level))), Cutoff: v})
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
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
