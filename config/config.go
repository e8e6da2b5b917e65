package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

var DatabaseFile string
var ArtifactDir string
var ServiceAccountFile string
var ProjectID string
var BucketName string
var SeatGeekClientID string
var SeatGeekSecret string
var RedisURL string
var HTTPAddr string
var CronSchedule string

var NBAStatsURL string
var SeatGeekURL string
var BasketballReferenceURL string

var ProdFlag *bool

// Enrichment defaults. Concurrency bounds in-flight game log fetches, Retries
// is attempts per team, and the wait before attempt n+1 is 2*n*BackoffUnit.
var (
	Concurrency  = 5
	Retries      = 3
	BackoffUnit  = time.Second
	FetchTimeout = 30 * time.Second
	JobWorkers   = 2
	PollInterval = 10 * time.Second
)

// 2020 and 2021 are skipped because of covid attendance limits.
var AttendanceYears = []int{
	2014, 2015, 2016, 2017, 2018, 2019, 2022, 2023, 2024,
}

var ScheduleMonths = []string{
	"october",
	"november",
	"december",
	"january",
	"february",
	"march",
	"april",
	"may",
	"june",
}

var StatsSeasons = []string{
	"2013-14",
	"2014-15",
	"2015-16",
	"2016-17",
	"2017-18",
	"2018-19",
	"2019-20",
	"2020-21",
	"2021-22",
	"2022-23",
	"2023-24",
}

var SeasonTypes = []string{
	"Regular Season",
	// "Playoffs",
}

var flags *flag.FlagSet

// Flags returns the flag set shared by every command. It is attached to the
// root command's persistent flags.
func Flags() *flag.FlagSet {
	if flags == nil {
		flags = flag.NewFlagSet("config", flag.ContinueOnError)
		ProdFlag = flags.BoolP("prod", "p", false, "designates production")
	}
	return flags
}

// LoadConfig resolves file locations and reads settings from .env and the
// environment. Flags must already be parsed.
func LoadConfig() error {
	Flags()
	_ = godotenv.Load(".env")

	binPath, err := os.Executable()
	if err != nil {
		return err
	}
	if *ProdFlag {
		DatabaseFile = "/sqlitedata/database.db"
		ArtifactDir = envOr("ARTIFACT_DIR", "/artifacts")
	} else {
		DatabaseFile = filepath.Join(filepath.Dir(binPath), "database.db")
		ArtifactDir = envOr("ARTIFACT_DIR", filepath.Join(filepath.Dir(binPath), "artifacts"))
	}

	ServiceAccountFile = os.Getenv("GCP_SERVICE_ACCOUNT_KEY")
	ProjectID = os.Getenv("PROJECT_ID")
	BucketName = os.Getenv("GCP_BUCKET_NAME")
	SeatGeekClientID = os.Getenv("SEATGEEK_CLIENT_ID")
	SeatGeekSecret = os.Getenv("SECRET_ID")
	RedisURL = os.Getenv("REDIS_URL")
	HTTPAddr = envOr("HTTP_ADDR", ":8000")
	CronSchedule = envOr("CRON_SCHEDULE", "0 6 * * *")

	NBAStatsURL = envOr("NBA_STATS_URL", "https://stats.nba.com")
	SeatGeekURL = envOr("SEATGEEK_URL", "https://api.seatgeek.com")
	BasketballReferenceURL = envOr("BBREF_URL", "https://www.basketball-reference.com")

	Concurrency = envInt("ENRICH_CONCURRENCY", Concurrency)
	Retries = envInt("ENRICH_RETRIES", Retries)
	JobWorkers = envInt("JOB_WORKERS", JobWorkers)
	return nil
}

// UseCloudStorage reports whether artifacts go to a GCS bucket rather than
// the local artifact directory.
func UseCloudStorage() bool {
	return BucketName != "" && ServiceAccountFile != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
