/*
 * Copyright Morpheo Org. 2017
 * 
 * contact@morpheo.co
 * 
 * This software is part of the Morpheo project, an open-source machine
 * learning platform.
 * 
 * This software is governed by the CeCILL license, compatible with the
 * GNU GPL, under French law and abiding by the rules of distribution of
 * free software. You can  use, modify and/ or redistribute the software
 * under the terms of the CeCILL license as circulated by CEA, CNRS and
 * INRIA at the following URL "http://www.cecill.info".
 * 
 * As a counterpart to the access to the source code and  rights to copy,
 * modify and redistribute granted by the license, users are provided only
 * with a limited warranty  and the software's author,  the holder of the
 * economic rights,  and the successive licensors  have only  limited
 * liability.
 * 
 * In this respect, the user's attention is drawn to the risks associated
 * with loading,  using,  modifying and/or developing or reproducing the
 * software by the user in light of its specific status of free software,
 * that may mean  that it is complicated to manipulate,  and  that  also
 * therefore means  that it is reserved for developers  and  experienced
 * professionals having in-depth computer knowledge. Users are therefore
 * encouraged to load and test the software's suitability as regards their
 * requirements in conditions enabling the security of their systems and/or
 * data to be ensured and,  more generally, to use and operate it in the
 * same conditions as regards security.
 * 
 * The fact that you are presently reading this means that you have had
 * knowledge of the CeCILL license and that you accept its terms.
 */

package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// Available HTTP routes
const (
	RootRoute         = "/"
	HealthRoute       = "/health"
	RunListRoute      = "/run"
	RunRoute          = "/run/:uuid"
	StatusUpdateRoute = "/update_status/:uuid"
	RunDoneRoute      = "/rundone/:uuid"
)

// Run list pagination
const (
	DefaultPageSize = 30
	MaxPageSize     = 500
)

var now = func() time.Time { return time.Now().UTC() }

// APIServer holds what the runs API handlers need
type APIServer struct {
	e        *echo.Echo
	model    Model
	producer common.Producer
	logger   zerolog.Logger
}

// NewAPIServer creates the echo app and links the urls with the handlers, requiring basic auth on
// run routes
func NewAPIServer(model Model, producer common.Producer, user, password string, logger zerolog.Logger) *APIServer {
	s := &APIServer{
		e:        echo.New(),
		model:    model,
		producer: producer,
		logger:   logger,
	}
	s.e.HideBanner = true
	s.e.HidePort = true

	s.e.Use(middleware.Recover())
	s.e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	}))
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogRemoteIP: true,
		LogMethod:   true,
		LogURI:      true,
		LogLatency:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Int("status", v.Status).
				Str("ip", v.RemoteIP).
				Str("method", v.Method).
				Str("uri", v.URI).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	authentication := SetAuthentication(user, password)

	// Misc.
	s.e.GET(RootRoute, s.index)
	s.e.GET(HealthRoute, s.health)

	// Runs
	s.e.GET(RunListRoute, s.getRunList, authentication)
	s.e.POST(RunListRoute, s.postRun, authentication)
	s.e.GET(RunRoute, s.getRun, authentication)
	s.e.POST(StatusUpdateRoute, s.updateStatus, authentication)
	s.e.POST(RunDoneRoute, s.runDone, authentication)

	return s
}

// SetAuthentication returns the basic auth middleware guarding run routes
func SetAuthentication(user, password string) echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm: "Authorization Required",
		Validator: func(u, p string, c echo.Context) (bool, error) {
			userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(p), []byte(password)) == 1
			return userOK && passOK, nil
		},
	})
}

func main() {
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Parses CLI flags to generate the API config
	conf, err := NewRunsConfig(os.Args[1:])
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger, err := common.NewLogger(os.Stderr, conf.Log.Level, conf.Log.Format)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Invalid logging configuration")
	}
	logger = logger.With().Str("service", "runs-api").Logger()

	db, err := sqlx.Connect("postgres", conf.DB.DSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot open connection to database")
	}

	n, err := RunMigrations(db, conf.DB.Rollback)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot apply database migrations")
	}
	logger.Info().Int("count", n).Msg("Applied database migrations successfully")

	producer, err := common.NewNSQProducer(conf.Broker.NsqdHost, conf.Broker.NsqdPort, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot create NSQ producer")
	}
	defer producer.Stop()

	s := NewAPIServer(NewSQLModel(db), producer, conf.APIUser, conf.APIPassword, logger)

	// Main server loop
	addr := fmt.Sprintf("%s:%d", conf.Hostname, conf.Port)
	logger.Info().Str("addr", addr).Bool("tls", conf.TLSOn()).Msg("Serving the runs API")
	if conf.TLSOn() {
		err = s.e.StartTLS(addr, conf.CertFile, conf.KeyFile)
	} else {
		err = s.e.Start(addr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Runs API stopped")
	}
}

// misc routes
func (s *APIServer) index(c echo.Context) error {
	return c.JSON(http.StatusOK, []string{
		RootRoute,
		HealthRoute,
		RunListRoute,
		RunRoute,
		StatusUpdateRoute,
		RunDoneRoute,
	})
}

func (s *APIServer) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Run related routes
func (s *APIServer) getRunList(c echo.Context) error {
	page, err := queryInt(c, "page", 0)
	if err != nil || page < 0 {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Invalid page parameter: %s", c.QueryParam("page"))))
	}
	pageSize, err := queryInt(c, "page_size", DefaultPageSize)
	if err != nil || pageSize < 1 || pageSize > MaxPageSize {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Invalid page_size parameter: %s", c.QueryParam("page_size"))))
	}

	runs, err := s.model.List(page, pageSize)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, common.NewAPIError(fmt.Sprintf("Error retrieving run list: %s", err)))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"page":   page,
		"length": len(runs),
		"items":  runs,
	})
}

func (s *APIServer) postRun(c echo.Context) error {
	run := common.TrainingRun{}
	if err := json.NewDecoder(c.Request().Body).Decode(&run); err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Error decoding run: %s", err)))
	}
	if uuid.Equal(uuid.Nil, run.ID) {
		run.ID = uuid.NewV4()
	}
	run.Status = common.TaskStatusPending
	run.RequestDate = now()
	run.JobName, run.ModelArtifact, run.Metrics, run.Failure, run.CompletionDate = "", "", nil, "", nil

	if err := run.Check(); err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Invalid run: %s", err)))
	}

	if err := s.model.Insert(&run); err != nil {
		return c.JSON(http.StatusInternalServerError, common.NewAPIError(fmt.Sprintf("Error inserting run %s in database: %s", run.ID, err)))
	}

	body, err := json.Marshal(run)
	if err == nil {
		err = s.producer.Push(common.TrainTopic, body)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("run", run.ID.String()).Msg("Cannot enqueue run")
		if errStatus := s.model.UpdateStatus(run.ID, common.TaskStatusFailed); errStatus != nil {
			s.logger.Error().Err(errStatus).Str("run", run.ID.String()).Msg("Cannot mark run as failed")
		}
		return c.JSON(http.StatusInternalServerError, common.NewAPIError(fmt.Sprintf("Error pushing run %s to topic %s: %s", run.ID, common.TrainTopic, err)))
	}

	s.logger.Info().Str("run", run.ID.String()).Msg("Run enqueued")
	return c.JSON(http.StatusCreated, run)
}

func (s *APIServer) getRun(c echo.Context) error {
	id, err := uuid.FromString(c.Param("uuid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Impossible to parse UUID %s: %s", c.Param("uuid"), err)))
	}

	run, err := s.model.GetOne(id)
	if err != nil {
		return c.JSON(notFoundOr500(err), common.NewAPIError(fmt.Sprintf("Error retrieving run %s: %s", id, err)))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *APIServer) updateStatus(c echo.Context) error {
	id, err := uuid.FromString(c.Param("uuid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Impossible to parse UUID %s: %s", c.Param("uuid"), err)))
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Error decoding status update: %s", err)))
	}
	if _, ok := common.ValidStatuses[payload.Status]; !ok {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Invalid status: %s", payload.Status)))
	}

	if err := s.model.UpdateStatus(id, payload.Status); err != nil {
		return c.JSON(notFoundOr500(err), common.NewAPIError(fmt.Sprintf("Error updating run %s status: %s", id, err)))
	}

	run, err := s.model.GetOne(id)
	if err != nil {
		return c.JSON(notFoundOr500(err), common.NewAPIError(fmt.Sprintf("Error retrieving run %s: %s", id, err)))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *APIServer) runDone(c echo.Context) error {
	id, err := uuid.FromString(c.Param("uuid"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Impossible to parse UUID %s: %s", c.Param("uuid"), err)))
	}

	result := common.RunResult{}
	if err := json.NewDecoder(c.Request().Body).Decode(&result); err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Error decoding run result: %s", err)))
	}
	if err := result.Check(); err != nil {
		return c.JSON(http.StatusBadRequest, common.NewAPIError(fmt.Sprintf("Invalid run result: %s", err)))
	}

	run, err := s.model.GetOne(id)
	if err != nil {
		return c.JSON(notFoundOr500(err), common.NewAPIError(fmt.Sprintf("Error retrieving run %s: %s", id, err)))
	}

	doneAt := now()
	run.Status = result.Status
	run.JobName = result.JobName
	run.ModelArtifact = result.ModelArtifact
	run.Metrics = result.Metrics
	run.Failure = result.Failure
	run.CompletionDate = &doneAt

	if err := s.model.Update(run, id); err != nil {
		return c.JSON(http.StatusInternalServerError, common.NewAPIError(fmt.Sprintf("Error updating run %s in database: %s", id, err)))
	}

	s.logger.Info().Str("run", id.String()).Str("status", run.Status).Msg("Run over")
	return c.JSON(http.StatusOK, run)
}

func queryInt(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func notFoundOr500(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
