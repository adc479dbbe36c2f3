package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"kincal/internal/clock"
	"kincal/internal/config"
	"kincal/internal/dispatch"
	"kincal/internal/google"
	"kincal/internal/invite"
	"kincal/internal/mail"
	"kincal/internal/models"
	"kincal/internal/pull"
	"kincal/internal/push"
	"kincal/internal/store"
	"kincal/internal/tasks"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "kincal",
		Usage: "Keep the family organizer and the provider calendar in sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "kincal.yaml", Usage: "Path to the YAML config file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			runCommand(),
			syncCommand(),
			pushCommand(),
			eventsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named on the command line and builds a
// logger at the configured level.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize a Google account and enroll its calendar for sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Internal user id the credential belongs to."},
			&cli.StringFlag{Name: "calendar", Value: "primary", Usage: "Provider calendar id to enroll."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthCfg, err := google.OAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return err
			}

			authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthCfg, authCode)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			userID := c.String("user")
			if err := st.SaveCredential(c.Context, userID, token); err != nil {
				return fmt.Errorf("failed to save credential: %w", err)
			}
			target := models.SyncTarget{UserID: userID, CalendarID: c.String("calendar")}
			if err := st.AddSyncTarget(c.Context, target); err != nil {
				return fmt.Errorf("failed to enroll calendar: %w", err)
			}

			logger.Info("Account authorized and calendar enrolled.",
				"userID", userID, "calendarID", target.CalendarID)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the sync daemon: scheduled pulls plus the realtime change dispatcher.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := store.Open(cfg.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool := tasks.NewPool(logger, cfg.Workers.Count, cfg.Workers.QueueDepth)
			pool.Start(ctx)

			controller := pull.NewController(logger, st, providerFactory(cfg, logger), pullConfig(cfg))

			scheduler := cron.New()
			_, err = scheduler.AddFunc(cfg.Sync.PullCron, func() {
				if err := controller.RunBatch(ctx); err != nil {
					logger.Error("Pull batch failed", "error", err)
					return
				}
				// Other processes learn about pulled rows through the
				// refresh marker; row detail stays in this process.
				if err := st.BroadcastRefresh(ctx); err != nil {
					logger.Warn("Could not broadcast refresh", "error", err)
				}
			})
			if err != nil {
				return fmt.Errorf("invalid pull schedule %q: %w", cfg.Sync.PullCron, err)
			}
			scheduler.Start()
			defer scheduler.Stop()
			logger.Info("Scheduled periodic pull.", "cron", cfg.Sync.PullCron)

			dispatcher := dispatch.New(logger, dispatch.Config{
				DedupWindow:   cfg.Dispatch.DedupWindow,
				DebounceDelay: cfg.Dispatch.DebounceDelay,
			})
			dispatcher.Subscribe(func(domain dispatch.Domain) {
				logger.Info("Domain refresh", "domain", domain)
			})

			// One initial pull so a fresh daemon is useful before the first
			// cron tick.
			pool.Submit("initial-pull", func(ctx context.Context) error {
				return controller.RunBatch(ctx)
			})

			err = dispatcher.Listen(ctx, st.DSN())
			pool.Wait()
			if err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("Shutting down.")
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a single pull batch for every enrolled calendar and exit.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := store.Open(cfg.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			controller := pull.NewController(logger, st, providerFactory(cfg, logger), pullConfig(cfg))
			if err := controller.RunBatch(c.Context); err != nil {
				return fmt.Errorf("pull batch failed: %w", err)
			}
			return st.BroadcastRefresh(c.Context)
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:  "push",
		Usage: "Push one local event to the provider, typically to replay a failed sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "event", Required: true, Usage: "Local event id."},
			&cli.StringFlag{Name: "action", Value: "update", Usage: "One of create, update, delete."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			st, err := store.Open(cfg.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			eventID := c.String("event")
			event, err := st.GetEvent(c.Context, eventID)
			if err != nil {
				return fmt.Errorf("load event %s: %w", eventID, err)
			}
			token, err := st.Credential(c.Context, event.UserID)
			if err != nil {
				return fmt.Errorf("load credential for user %s: %w", event.UserID, err)
			}
			client, err := google.NewClient(c.Context, logger, cfg.Google.ClientID, cfg.Google.ClientSecret, token)
			if err != nil {
				return err
			}

			pool := tasks.NewPool(logger, 1, 8)
			poolCtx, cancel := context.WithCancel(c.Context)
			defer cancel()
			pool.Start(poolCtx)

			syncer := push.NewSynchronizer(logger, client, st, inviteService(cfg, logger, st, pool), push.Config{
				DefaultZone:         cfg.Timezone,
				NativeNotifications: cfg.Sync.NativeNotifications,
			})

			switch action := c.String("action"); action {
			case "delete":
				err = syncer.Delete(c.Context, eventID)
			case "create", "update":
				var result *push.Result
				result, err = syncer.Push(c.Context, eventID, push.Action(action))
				if result != nil {
					logger.Info("Event pushed.", "providerEventID", result.ProviderEventID, "link", result.Link)
				}
			default:
				return fmt.Errorf("unknown action %q", action)
			}
			if err != nil {
				return err
			}
			// Stop the pool and let it drain any queued invite mail.
			cancel()
			pool.Wait()
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List a user's events, optionally only those touching one day.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Internal user id."},
			&cli.StringFlag{Name: "day", Usage: "Date (2006-01-02); show only events touching this day."},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Postgres.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.ListEvents(c.Context, c.String("user"))
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			day := c.String("day")
			for _, e := range events {
				if day != "" {
					keep, derr := eventTouchesDay(e, day, cfg.Timezone)
					if derr != nil {
						logger.Warn("Skipping event with unusable times", "eventID", e.ID, "error", derr)
						continue
					}
					if !keep {
						continue
					}
				}
				when := e.Start
				if e.End != "" && e.End != e.Start {
					when += " .. " + e.End
				}
				synced := " "
				if e.ProviderEventID != "" {
					synced = "*"
				}
				fmt.Printf("%s %-42s %-28s %s\n", synced, when, e.Title, e.Category)
			}
			return nil
		},
	}
}

// eventTouchesDay reports whether the event overlaps the given calendar date,
// evaluated in the event's own zone.
func eventTouchesDay(e *models.CalendarEvent, day, defaultZone string) (bool, error) {
	if e.AllDay {
		endExclusive := e.End
		if endExclusive == "" || endExclusive <= e.Start {
			var err error
			if endExclusive, err = clock.ExclusiveEnd(e.Start); err != nil {
				return false, err
			}
		}
		return clock.CoversDate(e.Start, endExclusive, day)
	}

	zone := e.Timezone
	if zone == "" {
		zone = e.Metadata.Timezone
	}
	if zone == "" {
		zone = defaultZone
	}
	// Anchor at noon so the window lands on the right local date regardless
	// of the zone's offset from UTC.
	noon, err := clock.ToInstant(day+"T12:00:00", zone)
	if err != nil {
		return false, err
	}
	winStart, winEnd, err := clock.DayWindow(noon, zone)
	if err != nil {
		return false, err
	}
	start, err := clock.ToInstant(e.Start, zone)
	if err != nil {
		return false, err
	}
	end := start
	if e.End != "" {
		endZone := zone
		if e.Metadata.ArrivalTimezone != "" && e.Timezone == "" {
			endZone = e.Metadata.ArrivalTimezone
		}
		if t, err := clock.ToInstant(e.End, endZone); err == nil && t.After(start) {
			end = t
		}
	}
	return start.Before(winEnd) && !end.Before(winStart), nil
}

func pullConfig(cfg *config.Config) pull.Config {
	return pull.Config{
		BackfillPast:   time.Duration(cfg.Sync.BackfillPastDays) * 24 * time.Hour,
		BackfillFuture: time.Duration(cfg.Sync.BackfillFutureDays) * 24 * time.Hour,
		LogRetention:   time.Duration(cfg.Sync.LogRetentionDays) * 24 * time.Hour,
	}
}

// providerFactory adapts the configured OAuth client into the pull
// controller's per-user provider constructor.
func providerFactory(cfg *config.Config, logger *slog.Logger) pull.ProviderFactory {
	return func(ctx context.Context, token *oauth2.Token) (pull.Provider, error) {
		return google.NewClient(ctx, logger, cfg.Google.ClientID, cfg.Google.ClientSecret, token)
	}
}

// inviteService wires the ICS fallback, or nothing when SMTP is not
// configured.
func inviteService(cfg *config.Config, logger *slog.Logger, st *store.Store, pool *tasks.Pool) push.Inviter {
	if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
		logger.Info("SMTP not configured; ICS invite fallback disabled.")
		return nil
	}
	mailer := mail.NewService(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	return invite.NewService(logger, mailer, st, pool,
		invite.Policy(cfg.Invite.Policy), cfg.Invite.Domain, cfg.Timezone)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
