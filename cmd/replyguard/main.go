package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"

	"github.com/alphabot-ai/replyguard/internal/agent"
	"github.com/alphabot-ai/replyguard/internal/anomaly"
	"github.com/alphabot-ai/replyguard/internal/api"
	"github.com/alphabot-ai/replyguard/internal/auth"
	"github.com/alphabot-ai/replyguard/internal/config"
	"github.com/alphabot-ai/replyguard/internal/content"
	"github.com/alphabot-ai/replyguard/internal/decision"
	"github.com/alphabot-ai/replyguard/internal/feed"
	"github.com/alphabot-ai/replyguard/internal/generator"
	"github.com/alphabot-ai/replyguard/internal/platform"
	"github.com/alphabot-ai/replyguard/internal/ratelimit"
	"github.com/alphabot-ai/replyguard/internal/store"
	"github.com/alphabot-ai/replyguard/internal/web"
)

func main() {
	if err := run(os.Args); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "replyguard",
		Usage:   "monitor subreddits and answer relevant posts under strict rate limits",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration",
				EnvVars: []string{"REPLYGUARD_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity (debug, info, warn, error); overrides logging.level",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "console or json; overrides logging.format",
				EnvVars: []string{"LOG_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			runCmd,
			passiveCmd,
			reportCmd,
			serveCmd,
		},
	}
	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the agent in the configured mode",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "cycles",
			Usage: "stop after this many cycles (0 runs until interrupted)",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "force dry-run mode regardless of configuration",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		if cctx.Bool("dry-run") {
			cfg.Mode.DryRun = true
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runAgent(cctx.Context, cfg, modeFor(cfg), cctx.Int("cycles"), 0)
	},
}

var passiveCmd = &cli.Command{
	Name:  "passive",
	Usage: "generate replies and posts for review without publishing",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "duration",
			Usage: "stop after this long (0 runs until interrupted)",
			Value: 24 * time.Hour,
		},
		&cli.IntFlag{
			Name:  "cycles",
			Usage: "stop after this many cycles",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		cfg.Mode.Passive = true
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runAgent(cctx.Context, cfg, agent.ModePassive, cctx.Int("cycles"), cctx.Duration("duration"))
	},
}

var reportCmd = &cli.Command{
	Name:  "report",
	Usage: "render the activity report from stored history",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "window",
			Usage: "how far back the report reaches",
			Value: 24 * time.Hour,
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "file to write (default stdout)",
		},
		&cli.StringFlag{
			Name:  "format",
			Usage: "html or json",
			Value: "html",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		s, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer s.Close()

		h, err := web.NewHandler(s)
		if err != nil {
			return err
		}
		data, err := h.BuildReport(cctx.Context, cctx.Duration("window"))
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if path := cctx.String("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		switch cctx.String("format") {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		case "html":
			return h.Render(out, data)
		default:
			return fmt.Errorf("unknown report format %q", cctx.String("format"))
		}
	},
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "serve the report and history API without running the agent (no status or emergency controls)",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		s, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// no agent runs here, so there is no governor to report on or stop
		srv, err := newServer(cfg, nil, s, nil)
		if err != nil {
			return err
		}
		return serve(ctx, srv)
	},
}

// loadConfig reads the configuration and sets up logging. Commands validate
// after applying their own overrides.
func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, err
	}
	if v := cctx.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := cctx.String("log-format"); v != "" {
		cfg.Logging.Format = v
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// modeFor resolves the mode flags; the most restrictive one wins
func modeFor(cfg *config.Config) agent.Mode {
	switch {
	case cfg.Mode.Passive:
		return agent.ModePassive
	case cfg.Mode.MonitorOnly:
		return agent.ModeMonitorOnly
	case cfg.Mode.DryRun:
		return agent.ModeDryRun
	default:
		return agent.ModeActive
	}
}

func runAgent(parent context.Context, cfg *config.Config, mode agent.Mode, cycles int, duration time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	s, err := store.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer s.Close()

	gov, err := ratelimit.NewGovernor(cfg.ToGovernor())
	if err != nil {
		return err
	}
	gov.StartCleanup(ctx, 10*time.Minute)

	matcher, err := content.NewMatcher(cfg.ToRules())
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	httpClient := platform.NewHTTPClient(cfg.Platform.Timeout, log.Logger.With().Str("component", "http").Logger())
	tokens := auth.NewTokenSource(cfg.Platform.AuthURL, auth.Credentials{
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
		Username:     cfg.Platform.Username,
		Password:     cfg.Platform.Password,
		UserAgent:    cfg.Platform.UserAgent,
	}, httpClient)
	reddit := platform.NewClient(cfg.Platform.BaseURL, cfg.Platform.UserAgent, tokens,
		platform.WithHTTPClient(httpClient),
		platform.WithRequestsPerMinute(cfg.Platform.RequestsPerMinute),
	)

	deps := agent.Deps{
		Matcher:  matcher,
		Scorer:   content.NewScorer(cfg.ToScoring()),
		Engine:   decision.NewEngine(content.NewSafetyFilter(cfg.Safety.BannedKeywords, cfg.Safety.MaxResponseLength)),
		Governor: gov,
	}
	if mode != agent.ModeMonitorOnly {
		gen, err := generator.New(generator.Config{
			BaseURL:     cfg.Generator.BaseURL,
			Model:       cfg.Generator.Model,
			APIKey:      cfg.Generator.APIKey,
			Temperature: cfg.Generator.Temperature,
			MaxTokens:   cfg.Generator.MaxTokens,
			Timeout:     cfg.Generator.Timeout,
		})
		if err != nil {
			return err
		}
		deps.Generator = gen
	}
	if mode == agent.ModeActive {
		deps.Publisher = reddit
	}

	sink, err := agent.NewStoreSink(ctx, s, mode, configDigest(cfg), nil)
	if err != nil {
		return err
	}
	deps.Sink = sink

	a, err := agent.New(agentConfig(cfg, mode), boards(cfg, reddit), deps)
	if err != nil {
		return err
	}

	if err := a.Preflight(ctx); err != nil {
		return err
	}

	if cfg.Server.Enabled {
		srv, err := newServer(cfg, gov, s, func() any { return a.Status() })
		if err != nil {
			return err
		}
		go func() {
			if err := serve(ctx, srv); err != nil {
				log.Error().Err(err).Msg("server error")
			}
		}()
	}

	log.Info().
		Str("mode", string(mode)).
		Str("session", sink.SessionID()).
		Str("version", versioninfo.Short()).
		Msg("starting replyguard")
	return a.Run(ctx, cycles)
}

func agentConfig(cfg *config.Config, mode agent.Mode) agent.Config {
	return agent.Config{
		Mode:                 mode,
		Username:             cfg.Platform.Username,
		FetchLimit:           cfg.Agent.FetchLimit,
		CommentScanPosts:     cfg.Agent.CommentScanPosts,
		CommentLimit:         cfg.Agent.CommentLimit,
		CycleInterval:        cfg.Agent.CycleInterval,
		CreatePosts:          cfg.Agent.CreatePosts,
		ProcessedCache:       cfg.Agent.ProcessedCache,
		MinConfidencePost:    cfg.Scoring.MinConfidencePost,
		MinConfidenceComment: cfg.Scoring.MinConfidenceComment,
		MinConfidenceCreate:  cfg.Scoring.MinConfidenceCreate,
		DefaultInstruction:   cfg.Instructions.Global,
		Instructions:         cfg.Instructions.Subreddits,
		AnomalyEnabled:       cfg.Anomaly.Enabled,
		Anomaly:              cfg.ToAnomaly(),
	}
}

// boards lists the enabled subreddits followed by the read-only feeds
func boards(cfg *config.Config, reddit *platform.Client) []agent.Board {
	var out []agent.Board
	for _, s := range cfg.EnabledSubreddits() {
		out = append(out, agent.Board{
			Name:           s.Name,
			Source:         reddit,
			CommentEnabled: s.CommentEnabled,
			PostEnabled:    s.PostEnabled,
		})
	}

	feeds := make(map[string]string)
	for _, f := range cfg.Feeds {
		if f.Enabled {
			feeds[f.Name] = f.URL
		}
	}
	if len(feeds) == 0 {
		return out
	}
	src := feed.NewSource(feeds)
	for _, f := range cfg.Feeds {
		if f.Enabled {
			out = append(out, agent.Board{Name: f.Name, Source: src, ReadOnly: true})
		}
	}
	return out
}

// configDigest identifies the effective configuration of a session without
// storing any credentials
func configDigest(cfg *config.Config) string {
	c := *cfg
	c.Platform.ClientSecret = ""
	c.Platform.Password = ""
	c.Generator.APIKey = ""
	c.Server.AdminSecret = ""
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return anomaly.Fingerprint(string(b))
}

func newServer(cfg *config.Config, gov api.Controller, s store.Store, status func() any) (*http.Server, error) {
	report, err := web.NewHandler(s)
	if err != nil {
		return nil, err
	}

	var opts []api.Option
	if status != nil {
		opts = append(opts, api.WithAgentStatus(status))
	}
	h := api.NewHandler(gov, s, report, cfg.Server.AdminSecret, opts...)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, nil
}

// serve runs srv until ctx is done, then drains outstanding requests
func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}
