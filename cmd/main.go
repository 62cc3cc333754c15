package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"voicecal/internal/config"
	"voicecal/internal/extract"
	"voicecal/internal/google"
	"voicecal/internal/models"
	"voicecal/internal/normalize"
	"voicecal/internal/pipeline"
	"voicecal/internal/status"
	"voicecal/internal/store"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "voicecal",
		Usage: "Turn voice notes into calendar events.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				EnvVars: []string{"VOICECAL_CONFIG"},
				Usage:   "Path to the YAML configuration file. Created with defaults if missing.",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			runCommand(),
			summaryCommand(),
			setupDBCommand(),
			parseCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, err := config.File(c.String("config")).Load()
			if err != nil {
				return err
			}
			logger, closer := setupLogger(cfg)
			defer closer.Close()
			logger.Info("Starting Google authentication flow.")

			oc, err := google.OAuthConfig(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oc.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oc, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if err := google.SaveToken(cfg.Paths.TokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", cfg.Paths.TokenFile)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the pipeline and the daily summary on their schedules.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run a single pipeline cycle and exit."},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, config.File(c.String("config")))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			deps, err := a.pipelineDeps(ctx)
			if err != nil {
				return err
			}
			mailer, err := a.mailer(ctx)
			if err != nil {
				return err
			}

			orch := pipeline.NewOrchestrator(a.logger, a.file, deps)
			summary := pipeline.NewSummarizer(a.logger, a.file, a.file, a.store, mailer)
			sched := pipeline.NewScheduler(a.logger, a.file, orch, summary, c.Bool("once"))

			if !a.cfg.Status.Enabled {
				return sched.Run(ctx)
			}

			// The status server stops with the scheduler, including after a single cycle.
			g, gctx := errgroup.WithContext(ctx)
			sctx, cancel := context.WithCancel(gctx)
			g.Go(func() error {
				defer cancel()
				return sched.Run(gctx)
			})
			g.Go(func() error {
				return status.Serve(sctx, a.logger, a.cfg.Status.Listen, status.NewRouter(a.cfg.Paths.StateFile))
			})
			return g.Wait()
		},
	}
}

func summaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Send the daily summary email now.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "upcoming", Usage: "Summarize the next N events instead of the configured date interval."},
		},
		Action: func(c *cli.Context) error {
			a, err := newApp(c.Context, config.File(c.String("config")))
			if err != nil {
				return err
			}
			defer a.Close()

			mailer, err := a.mailer(c.Context)
			if err != nil {
				return err
			}
			summary := pipeline.NewSummarizer(a.logger, a.file, a.file, a.store, mailer)
			if n := c.Int("upcoming"); n > 0 {
				return summary.SendUpcoming(c.Context, n)
			}
			return summary.Send(c.Context)
		},
	}
}

func setupDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "setup-db",
		Usage: "Create the events table and indexes.",
		Action: func(c *cli.Context) error {
			cfg, err := config.File(c.String("config")).Load()
			if err != nil {
				return err
			}
			logger, closer := setupLogger(cfg)
			defer closer.Close()

			s, err := openStore(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			logger.Info("Database schema is ready.")
			return nil
		},
	}
}

func parseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Extract and normalize the event in one transcript and print it as JSON.",
		ArgsUsage: "<transcript>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "offline", Usage: "Treat the file as an assistant reply and skip the API call."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one transcript path")
			}
			file := config.File(c.String("config"))
			cfg, err := file.Load()
			if err != nil {
				return err
			}
			logger, closer := setupLogger(cfg)
			defer closer.Close()

			data, err := os.ReadFile(c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to read transcript: %w", err)
			}
			reply := string(data)
			if !c.Bool("offline") {
				a := &app{file: file, cfg: cfg, logger: logger}
				mgr, usage, err := a.sessionManager()
				if err != nil {
					return err
				}
				if usage != nil {
					defer usage.Close()
				}
				sess, err := mgr.Load()
				if err != nil {
					return err
				}
				reply, _, err = mgr.Run(c.Context, sess, cfg.Assistant.Prompt(strings.TrimSpace(reply), time.Now()))
				if err != nil {
					return err
				}
			}

			objects, err := extract.Extract(reply)
			if err != nil {
				return err
			}
			n := normalize.New(cfg.FileProcessing.DefaultEventDuration)
			events := make([]models.Event, 0, len(objects))
			for _, raw := range objects {
				ev, warnings := n.NormalizeRaw(raw)
				for _, w := range warnings {
					logger.Warn("Event repaired.", "field", w.Field, "action", w.Action)
				}
				events = append(events, ev)
			}

			enc := json.NewEncoder(c.App.Writer)
			enc.SetIndent("", "  ")
			if len(events) == 1 {
				return enc.Encode(events[0])
			}
			return enc.Encode(events)
		},
	}
}

func openStore(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*store.EventStore, error) {
	s, err := store.Open(ctx, logger, store.Options{
		DSN:      cfg.Database.URL,
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	return s, nil
}
