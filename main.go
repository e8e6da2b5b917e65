package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nbaattend/attendance"
	"nbaattend/cache"
	"nbaattend/config"
	"nbaattend/db"
	"nbaattend/enrich"
	"nbaattend/gamestats"
	"nbaattend/jobs"
	"nbaattend/metrics"
	"nbaattend/nba"
	"nbaattend/pipeline"
	"nbaattend/scrape"
	"nbaattend/seatgeek"
	"nbaattend/storage"
	"nbaattend/teams"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	lookupCacheTTL   = 24 * time.Hour
	scrapeInterval   = 6 * time.Second
	statsPerSecond   = 2
	staleJobMinutes  = 30
	janitorInterval  = time.Minute
	shutdownDeadline = 10 * time.Second
)

var logger = zap.NewNop().Sugar()

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nbaattend",
		Short:         "Collect NBA attendance, popularity and game data and serve the home court dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(); err != nil {
				return err
			}
			l, err := newLogger(*config.ProdFlag)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().AddFlagSet(config.Flags())

	root.AddCommand(
		gameIDsCmd(),
		pipelineCmd(pipeline.KindAttendance, "Scrape home game attendance from basketball-reference"),
		pipelineCmd(pipeline.KindPopularity, "Rank teams by SeatGeek popularity"),
		pipelineCmd(pipeline.KindGameStats, "Build the home and away game stat tables"),
		runCmd(),
		serveCmd(),
	)
	return root
}

func newLogger(prod bool) (*zap.SugaredLogger, error) {
	var l *zap.Logger
	var err error
	if prod {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func setupDatabase() error {
	if err := db.SetupDatabase(); err != nil {
		return err
	}
	return db.RunMigrations()
}

// app holds the long-lived clients shared by every pipeline.
type app struct {
	pipeline *pipeline.Pipeline
	metrics  *metrics.Recorder
	cache    *cache.Redis
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			logger.Warn(err)
		}
	}
}

// newScheduler builds the game id scheduler. The lookup cache is used only
// when REDIS_URL is set and the server answers.
func newScheduler(client *nba.Client, rec *metrics.Recorder) (*enrich.Scheduler, *cache.Redis) {
	s := enrich.NewScheduler(enrich.NBAFetcher{Client: client}, config.Concurrency, config.Retries, config.BackoffUnit, config.FetchTimeout, logger)
	if rec != nil {
		s.Observers = append(s.Observers, rec)
	}
	if config.RedisURL == "" {
		return s, nil
	}
	c, err := cache.NewRedis(config.RedisURL, lookupCacheTTL)
	if err != nil {
		logger.Warnf("game log cache disabled: %v", err)
		return s, nil
	}
	s.Cache = c
	return s, c
}

func newApp(ctx context.Context) (*app, error) {
	store, err := storage.Open(ctx, config.BucketName, config.ServiceAccountFile, config.ProjectID, config.ArtifactDir)
	if err != nil {
		return nil, err
	}
	if config.UseCloudStorage() {
		logger.Infof("artifacts stored in gs://%s", config.BucketName)
	} else {
		logger.Infof("artifacts stored in %s", config.ArtifactDir)
	}

	rec := metrics.NewRecorder()
	client := nba.NewClient(config.NBAStatsURL, config.FetchTimeout)
	sched, c := newScheduler(client, rec)

	p := &pipeline.Pipeline{
		Attendance:   scrape.NewScraper(config.BasketballReferenceURL, scrapeInterval, logger),
		Events:       seatgeek.NewClient(config.SeatGeekURL, config.SeatGeekClientID, config.SeatGeekSecret),
		Stats:        gamestats.NewCollector(client, config.SeasonTypes, statsPerSecond, logger),
		Scheduler:    sched,
		Registry:     teams.Default(),
		Store:        store,
		Ledger:       pipeline.DBLedger{},
		Metrics:      rec,
		Logger:       logger,
		Years:        config.AttendanceYears,
		Months:       config.ScheduleMonths,
		StatsSeasons: config.StatsSeasons,
	}
	return &app{pipeline: p, metrics: rec, cache: c}, nil
}

func gameIDsCmd() *cobra.Command {
	var input, output string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "gameids",
		Short: "Attach stats.nba.com game ids to an attendance document",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := attendance.Load(input)
			if err != nil {
				return err
			}

			reg := teams.Default()
			sched, c := newScheduler(nba.NewClient(config.NBAStatsURL, config.FetchTimeout), nil)
			if c != nil {
				defer c.Close()
				if refresh {
					if err := c.Invalidate(ctx, reg.IDs()...); err != nil {
						logger.Warnf("unable to clear cached game logs: %v", err)
					}
				}
			}

			merged, _, outcomes := enrich.Enrich(ctx, sched, reg, doc)
			exhausted := 0
			for _, o := range outcomes {
				if o.State == enrich.Exhausted {
					exhausted++
				}
			}
			if err := attendance.Save(output, merged); err != nil {
				return err
			}
			logger.Infof("wrote %s (%d of %d teams without game ids)", output, exhausted, len(outcomes))
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "nba_attendance_data.json", "attendance document to enrich")
	cmd.Flags().StringVar(&output, "output", "games_with_gameids.json", "where to write the enriched document")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore cached game logs")
	return cmd
}

func pipelineCmd(kind pipeline.Kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(kind),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupDatabase(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			outs, err := a.pipeline.Run(cmd.Context(), kind, "")
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			for _, o := range outs {
				logger.Infof("%s -> %s", o.Name, o.Location)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every pipeline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setupDatabase(); err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.pipeline.RunAll(cmd.Context(), "")
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and dashboard and run queued and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			if err := setupDatabase(); err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.metrics.WatchQueue(db.CountJobs, logger)

			scheduler := jobs.NewScheduler(0, config.JobWorkers, config.PollInterval, a.pipeline, a.metrics, logger)
			stopped := make(chan struct{})
			go func() {
				scheduler.Start(ctx)
				close(stopped)
			}()
			go jobs.StalledJobsJanitor(ctx, janitorInterval, staleJobMinutes, logger)
			c, err := jobs.NewCron(config.CronSchedule, logger)
			if err != nil {
				return err
			}
			defer c.Stop()

			s := &server{
				runner:   a.pipeline,
				store:    a.pipeline.Store,
				registry: a.pipeline.Registry,
				metrics:  a.metrics,
				logger:   logger,
			}
			e := s.routes()
			errc := make(chan error, 1)
			go func() { errc <- e.Start(config.HTTPAddr) }()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					stop()
					<-stopped
					return err
				}
			case <-ctx.Done():
				logger.Info("shutting down")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				logger.Warn(err)
			}
			stop()
			<-stopped
			return nil
		},
	}
}
