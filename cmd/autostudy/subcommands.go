package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/internal/host"
	"github.com/3cpo-dev/autostudy/internal/notify"
	"github.com/3cpo-dev/autostudy/internal/platform"
	"github.com/3cpo-dev/autostudy/internal/telemetry"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

// Load the configuration named by --config and apply its side settings
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if proxy, _ := cmd.Flags().GetString("proxy"); proxy == "" && cfg.Platform.Proxy != "" {
		setProxy(cfg.Platform.Proxy)
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled, time.Duration(cfg.Telemetry.FlushSeconds)*time.Second)
	return cfg, nil
}

// credentialFlags lets a command override the stored credentials.
func credentialFlags(cmd *cobra.Command) {
	cmd.Flags().String("token", "", "X-Token value (default from secrets.env or AUTOSTUDY_TOKEN)")
	cmd.Flags().String("cookie", "", "Cookie header value (default from secrets.env or AUTOSTUDY_COOKIE)")
}

func credentials(cmd *cobra.Command, cfg core.Config) api.Credentials {
	creds := cfg.Credentials
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		creds.Token = v
	}
	if v, _ := cmd.Flags().GetString("cookie"); v != "" {
		creds.Cookie = v
	}
	return creds
}

// parseRange reads "start-end" or a single "start". An omitted end is 0.
func parseRange(s string) (*api.RangeSpec, error) {
	if s == "" {
		return nil, nil
	}
	startStr, endStr, _ := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}
	end := 0
	if strings.TrimSpace(endStr) != "" {
		if end, err = strconv.Atoi(strings.TrimSpace(endStr)); err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", s, err)
		}
	}
	return &api.RangeSpec{Start: start, End: end}, nil
}

func rangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("chapters", "", "chapter range START-END, 1-based inclusive")
	cmd.Flags().String("subsections", "", "subsection range START-END within each chapter; END 0 or omitted runs to the last")
}

func ranges(cmd *cobra.Command, chapter, subsection *api.RangeSpec) (*api.RangeSpec, *api.RangeSpec, error) {
	if s, _ := cmd.Flags().GetString("chapters"); s != "" {
		r, err := parseRange(s)
		if err != nil {
			return nil, nil, err
		}
		chapter = r
	}
	if s, _ := cmd.Flags().GetString("subsections"); s != "" {
		r, err := parseRange(s)
		if err != nil {
			return nil, nil, err
		}
		subsection = r
	}
	return chapter, subsection, nil
}

// Run the configured courses
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [course-id...]",
		Short: "Record study progress for a list of courses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer telemetry.GetGlobal().Shutdown()

			req := cfg.Request()
			req.Credentials = credentials(cmd, cfg)
			if len(args) > 0 {
				req.Courses = nil
				for _, id := range args {
					req.Courses = append(req.Courses, api.Course{ID: id})
				}
			}
			if req.ChapterRange, req.SubsectionRange, err = ranges(cmd, req.ChapterRange, req.SubsectionRange); err != nil {
				return err
			}

			opts := cfg.Run.Options()
			opts.ID = uuid.NewString()
			sinks := core.MultiSink{core.NewLogSink(opts.ID)}

			var store *core.Store
			if !cfg.Store.Disabled {
				if store, err = core.NewStore(cfg.StorePath()); err != nil {
					return err
				}
				defer store.Close()
				sinks = append(sinks, core.NewStoreSink(store, opts.ID))
			}
			if cfg.Redis.Addr != "" {
				rc, err := notify.Connect(cmd.Context(), notify.FromCore(cfg.Redis))
				if err != nil {
					return err
				}
				defer rc.Close()
				if sink := host.RedisSinks(rc, cfg.Redis.Channel)(opts.ID); sink != nil {
					sinks = append(sinks, sink)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e := core.NewEngine(platform.New(cfg.Platform.Client()), sinks, opts)
			var written <-chan struct{}
			if store != nil {
				written = store.Track(e, req)
			}
			res, err := e.Run(ctx, req)
			if store != nil {
				<-written
			}
			if err != nil {
				return err
			}
			fmt.Printf("run %s %s: %d/%d courses, %d subsections recorded, %d failed\n",
				res.RunID, res.Status, res.SuccessfulCourses, res.TotalCourses, res.Recorded, res.Failed)
			return nil
		},
	}
	credentialFlags(cmd)
	rangeFlags(cmd)
	return cmd
}

// Show the account behind the credentials
func newWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the account the credentials belong to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			creds := credentials(cmd, cfg)
			if !creds.Complete() {
				return core.ErrMissingCredentials
			}
			name, err := platform.New(cfg.Platform.Client()).UserName(cmd.Context(), creds)
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		},
	}
	credentialFlags(cmd)
	return cmd
}

// Print the subsections a run would record
func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog <course-id>",
		Short: "List the subsections of a course within the selected ranges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			creds := credentials(cmd, cfg)
			if !creds.Complete() {
				return core.ErrMissingCredentials
			}
			chapter, subsection, err := ranges(cmd, cfg.ChapterRange, cfg.SubsectionRange)
			if err != nil {
				return err
			}
			windows, err := core.SelectWindows(chapter, subsection)
			if err != nil {
				return err
			}
			client := platform.New(cfg.Platform.Client())
			tasks, err := client.FetchSubsections(cmd.Context(), creds, args[0], windows.Chapters, windows.Subsections)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%s\t%s\t%s\t%s\t%ds\n", t.ChapterID, t.ChapterName, t.SubsectionID, t.SubsectionName, t.DurationSeconds)
			}
			return nil
		},
	}
	credentialFlags(cmd)
	rangeFlags(cmd)
	return cmd
}

// Verify and store credentials
func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials and save them to secrets.env",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			creds := credentials(cmd, cfg)
			if !creds.Complete() {
				return core.ErrMissingCredentials
			}
			name, err := platform.New(cfg.Platform.Client()).UserName(cmd.Context(), creds)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if err := core.SaveCredentials("", creds); err != nil {
				return err
			}
			fmt.Printf("logged in as %s, credentials saved to %s\n", name, core.SecretsPath())
			return nil
		},
	}
	credentialFlags(cmd)
	return cmd
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Disabled {
				return errors.New("run history is disabled in the configuration")
			}
			store, err := core.NewStore(cfg.StorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				events, err := store.Events(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Printf("%s\t%s\t%s\n", ev.Time.Format(time.RFC3339), ev.Kind, describe(ev))
				}
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%d/%d courses\t%d recorded\n",
					r.RunID, r.StartedAt.Format(time.RFC3339), r.Status, r.SuccessfulCourses, r.TotalCourses, r.Recorded)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show, 0 for all")
	return cmd
}

func describe(ev api.Event) string {
	switch ev.Kind {
	case api.EventProgress:
		return fmt.Sprintf("%.0f%%", ev.Percent)
	case api.EventUserInfo:
		return ev.UserInfo
	case api.EventFinished:
		return fmt.Sprintf("success=%t %d/%d courses", ev.Success, ev.Succeeded, ev.Total)
	default:
		return ev.Message
	}
}

// Inspect or create the configuration
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			masked := cfg.Masked()
			out, err := yaml.Marshal(masked)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			fmt.Printf("# token: %s\n# cookie: %s\n", masked.Credentials.Token, masked.Credentials.Cookie)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print where configuration and secrets are read from",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			fmt.Printf("config: %s\nsecrets: %s\n", cfgPath, core.SecretsPath())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = core.DefaultConfigPath()
			}
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("%s already exists\n", cfgPath)
				return nil
			}
			if err := core.SaveConfig(cfgPath, core.Defaults()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", cfgPath)
			return nil
		},
	})
	return cmd
}

// Serve the HTTP host
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP host that starts and streams runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Host.Addr = addr
			}
			collector := telemetry.GetGlobal()
			defer collector.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := host.FromConfig(ctx, cfg, version)
			if err != nil {
				return err
			}
			defer srv.Close()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				log.Debug().Int("metrics", len(collector.GetMetrics())).Msg("flushing metrics")
				collector.FlushMetrics()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from host.addr)")
	return cmd
}
