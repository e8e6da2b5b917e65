package main

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"nbaattend/analysis"
	"nbaattend/db"
	"nbaattend/jobs"
	"nbaattend/metrics"
	"nbaattend/pipeline"
	"nbaattend/storage"
	"nbaattend/teams"
	"nbaattend/utils"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

//go:embed views/*.html
var views embed.FS

type Templates struct {
	templates *template.Template
}

func (t *Templates) Render(w io.Writer, name string, data interface{}, c echo.Context) error {
	return t.templates.ExecuteTemplate(w, name, data)
}

func newTemplate() *Templates {
	return &Templates{
		templates: template.Must(template.New("").Funcs(template.FuncMap{
			"pct":  pct,
			"num":  num,
			"join": strings.Join,
			"has":  has,
			"day":  day,
		}).ParseFS(views, "views/*.html")),
	}
}

func pct(f float64) string {
	if math.IsNaN(f) {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", f*100)
}

func num(f float64) string {
	if math.IsNaN(f) {
		return "n/a"
	}
	return strconv.FormatFloat(f, 'f', 0, 64)
}

func has(list []string, v string) bool {
	return slices.Contains(list, v)
}

func day(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.DateOnly)
}

type server struct {
	runner   jobs.Runner
	store    storage.ArtifactStore
	registry *teams.Registry
	metrics  *metrics.Recorder
	logger   *zap.SugaredLogger
}

type JobState struct {
	Job     *db.Job        `json:"job"`
	Fetches []db.TeamFetch `json:"team_fetches"`
}

func (s *server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Renderer = newTemplate()

	e.GET("/", s.dashboard)
	e.GET("/retrieve/:kind", s.retrieve)
	e.POST("/jobs/:kind", s.enqueue)
	e.GET("/jobs/:id", s.job)
	e.GET("/artifacts", s.artifacts)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	return e
}

func filterFromQuery(c echo.Context) analysis.Filter {
	q := c.QueryParams()
	f := analysis.Filter{
		Teams:       q["team"],
		Conferences: q["conference"],
		Divisions:   q["division"],
	}
	if d, err := time.Parse(time.DateOnly, q.Get("from")); err == nil {
		f.From = d
	}
	if d, err := time.Parse(time.DateOnly, q.Get("to")); err == nil {
		f.To = d
	}
	if n, err := strconv.Atoi(q.Get("min_attendance")); err == nil && n > 0 {
		f.MinAttendance = n
	}
	return f
}

func (s *server) dashboard(c echo.Context) error {
	in, errs := analysis.Load(c.Request().Context(), s.store)
	d := analysis.Build(in, s.registry, filterFromQuery(c))
	for _, err := range errs {
		s.logger.Warn(err)
		d.Warnings = append(d.Warnings, err.Error())
	}
	return c.Render(http.StatusOK, "index", d)
}

// retrieve runs a pipeline and returns what it produced. Cron callers pass
// crontab=true and get an empty response.
func (s *server) retrieve(c echo.Context) error {
	kind, err := pipeline.ParseKind(c.Param("kind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	outs, err := s.runner.Run(c.Request().Context(), kind, "")
	if err != nil {
		s.logger.Error(utils.ErrorWithTrace(err))
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("%s pipeline failed: %v", kind, err))
	}
	if crontab, _ := strconv.ParseBool(c.QueryParam("crontab")); crontab {
		return c.NoContent(http.StatusNoContent)
	}
	if len(outs) == 1 {
		o := outs[0]
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%s", o.Name))
		return c.Blob(http.StatusOK, o.ContentType, o.Data)
	}

	files := make([]string, 0, len(outs))
	for _, o := range outs {
		files = append(files, o.Name)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"files":   files,
		"message": fmt.Sprintf("stored %d artifacts", len(outs)),
	})
}

func (s *server) enqueue(c echo.Context) error {
	kind, err := pipeline.ParseKind(c.Param("kind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	queued, err := jobs.Enqueue(kind)
	if err != nil {
		s.logger.Error(utils.ErrorWithTrace(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to queue job")
	}
	return c.JSON(http.StatusAccepted, JobState{Job: queued[0]})
}

func (s *server) job(c echo.Context) error {
	job, err := db.SelectJobByID(c.Param("id"))
	if errors.Is(err, db.ErrJobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	} else if err != nil {
		s.logger.Error(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load job")
	}
	fetches, err := db.SelectTeamFetches(job.Id)
	if err != nil {
		s.logger.Error(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to load team fetches")
	}
	state := JobState{Job: job, Fetches: fetches}
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMETextHTML) {
		return c.Render(http.StatusOK, "job", state)
	}
	return c.JSON(http.StatusOK, state)
}

func (s *server) artifacts(c echo.Context) error {
	list, err := db.SelectLatestArtifacts()
	if err != nil {
		s.logger.Error(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "unable to list artifacts")
	}
	type artifact struct {
		Name      string `json:"name"`
		Location  string `json:"location"`
		Bytes     int    `json:"bytes"`
		JobID     string `json:"job_id,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]artifact, 0, len(list))
	for _, a := range list {
		out = append(out, artifact{Name: a.Name, Location: a.Location, Bytes: a.Bytes, JobID: a.JobID.String, CreatedAt: a.CreatedAt})
	}
	return c.JSON(http.StatusOK, out)
}
