package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"storyline/internal/app"
	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/domain"
	"storyline/internal/logattr"
	"storyline/internal/server"
	"storyline/internal/tracker"
	"storyline/internal/view"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storyline CLI",
	Long: `Storyline reads projects, iterations and stories from a tracker service.
- Session: sl login exchanges username/password (or takes a token) and keeps the token in the workspace.
- Cascade: listing projects fetches each project's iterations as soon as the project list arrives.
- Config: storyline.yml in the workspace; flags and STORYLINE_* env vars override it.
- Event log: every pipeline event is journaled, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("endpoint", "", "tracker endpoint (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("endpoint", rootCmd.PersistentFlags().Lookup("endpoint"))
}

func setupLogging() {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(storiesCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func loginCmd() *cobra.Command {
	var username, password, token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the tracker token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var task *tracker.Task
				switch {
				case token != "":
					task = a.Pipeline.AuthenticateWithToken(ctx, token)
				case username != "" && password != "":
					task = a.Pipeline.AuthenticateWithCredentials(ctx, username, password)
				default:
					return fmt.Errorf("--token or --username and --password required")
				}
				if err := task.Wait(); err != nil {
					if errors.Is(err, tracker.ErrCredentialRejected) {
						return errors.New(view.RejectedMessage)
					}
					return err
				}
				fmt.Println("Session established")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "tracker username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "tracker password")
	cmd.Flags().StringVar(&token, "token", "", "tracker API token (skips the credential exchange)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := a.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out")
				return nil
			})
		},
	}
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List projects with their current iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				snap := view.NewSnapshot()
				snap.Attach(a.Bus)
				if !viper.GetBool("json") {
					view.NewTerminal(ctx, os.Stdout, a.Pipeline).Attach(a.Bus)
				} else {
					tracker.OnSessionEstablished(a.Bus, func() { a.Pipeline.FetchProjects(ctx) })
				}
				if err := resume(ctx, a); err != nil {
					return err
				}
				a.Pipeline.Wait()
				if a.Pipeline.State() == tracker.StateRejected {
					return errors.New("session rejected; run sl login")
				}
				if viper.GetBool("json") {
					return printJSON(snapshotJSON(snap))
				}
				return nil
			})
		},
	}
}

func storiesCmd() *cobra.Command {
	var projectID int
	var state string
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "List stories of a project's current iteration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID < 0 {
				return fmt.Errorf("--project required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if err := resume(ctx, a); err != nil {
					return err
				}
				project := &domain.Project{ID: domain.ID(projectID)}
				if err := a.Pipeline.FetchIterations(ctx, project).Wait(); err != nil {
					return err
				}
				a.Pipeline.Wait()
				cur, ok := project.CurrentIteration()
				if !ok {
					return fmt.Errorf("project %d has no iterations", projectID)
				}
				if viper.GetBool("json") {
					stories := cur.Stories()
					if state != "" {
						stories = cur.StoriesWhere(domain.State(state))
					}
					return printJSON(map[string]any{"project_id": projectID, "iteration_id": int(cur.ID), "stories": stories})
				}
				view.RenderStories(os.Stdout, cur, domain.State(state))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&projectID, "project", -1, "project id")
	cmd.Flags().StringVar(&state, "state", "", "story state filter (unstarted, started, rejected, accepted)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				snap := view.NewSnapshot()
				snap.Attach(a.Bus)
				tracker.OnSessionEstablished(a.Bus, func() { a.Pipeline.FetchProjects(context.WithoutCancel(ctx)) })
				if err := resume(ctx, a); err != nil {
					a.Logger.Warn("Serving without a tracker session", logattr.Error(err))
				}

				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: a.Logger}
				handler, err := server.New(server.Config{
					Snapshot: snap,
					Pipeline: a.Pipeline,
					Repo:     &a.Repo,
					BasePath: basePath,
					Auth:     authCfg,
				})
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
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("STORYLINE_JWT_SECRET not set; API is unauthenticated")
				}
				fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage storyline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	var file string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate storyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(file); err != nil {
				return err
			}
			fmt.Println("Config valid")
			return nil
		},
	}
	validateCmd.Flags().StringVar(&file, "file", "", "config file (default: workspace storyline.yml)")

	cfgCmd.AddCommand(initCmd, showCmd, validateCmd)
	return cfgCmd
}

func logCmd() *cobra.Command {
	logCmd := &cobra.Command{Use: "log", Short: "Pipeline event log"}
	logCmd.AddCommand(logTailCmd())
	return logCmd
}

func logTailCmd() *cobra.Command {
	var n, projectID int
	var topic string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var pid *int
				if projectID >= 0 {
					pid = &projectID
				}
				events, err := a.Repo.LatestEvents(ctx, n, topic, pid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Topic", "Project", "Payload"})
				for _, e := range events {
					project := ""
					if e.ProjectID != nil {
						project = fmt.Sprint(*e.ProjectID)
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Topic, project, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&topic, "topic", "", "topic filter")
	cmd.Flags().IntVar(&projectID, "project", -1, "project id filter")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Endpoint:  viper.GetString("endpoint"),
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func resume(ctx context.Context, a *app.Context) error {
	ok, err := a.Resume(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no stored session; run sl login")
	}
	return nil
}

type projectJSON struct {
	ID          int                  `json:"id"`
	Name        string               `json:"name"`
	MemberCount int                  `json:"member_count"`
	StartDate   string               `json:"start_date,omitempty"`
	Current     *int                 `json:"current_iteration,omitempty"`
	Counts      map[domain.State]int `json:"story_counts,omitempty"`
}

func snapshotJSON(snap *view.Snapshot) []projectJSON {
	res := []projectJSON{}
	for _, p := range snap.Projects() {
		item := projectJSON{ID: int(p.ID), Name: p.Name, MemberCount: p.MemberCount, StartDate: p.StartDate}
		if cur, ok := p.CurrentIteration(); ok {
			id := int(cur.ID)
			item.Current = &id
			item.Counts = cur.Counts()
		}
		res = append(res, item)
	}
	return res
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
