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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// Runs HTTP API routes
const (
	RunsListRoute         = "/run"
	RunsStatusUpdateRoute = "/update_status"
	RunsResultRoute       = "/rundone"
)

// Runs describes the runs API workers report to
type Runs interface {
	CreateRun(ctx context.Context, run *common.TrainingRun) (*common.TrainingRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (*common.TrainingRun, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status string) error
	PostRunResult(ctx context.Context, id uuid.UUID, result common.RunResult) error
}

// RunsAPI is a wrapper around our runs HTTP API
type RunsAPI struct {
	Runs

	URL      string
	User     string
	Password string
	Client   *http.Client
}

// NewRunsAPI creates a RunsAPI client for the API served under baseURL
func NewRunsAPI(baseURL, user, password string) *RunsAPI {
	return &RunsAPI{
		URL:      strings.TrimRight(baseURL, "/"),
		User:     user,
		Password: password,
		Client:   http.DefaultClient,
	}
}

func (r *RunsAPI) do(ctx context.Context, method, route string, payload interface{}, expectedStatus int, dest interface{}) error {
	url := r.URL + route

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("[runs-api] Error JSON-marshaling %s payload for %s: %w", method, url, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("[runs-api] Error building %s request against %s: %w", method, url, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.User != "" {
		req.SetBasicAuth(r.User, r.Password)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("[runs-api] Error performing %s request against %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		var apiErr common.APIError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("[runs-api] Unexpected status code (%s): %s request against %s: %w", resp.Status, method, url, &apiErr)
		}
		return fmt.Errorf("[runs-api] Unexpected status code (%s): %s request against %s", resp.Status, method, url)
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("[runs-api] Error decoding response of %s request against %s: %w", method, url, err)
		}
	}
	return nil
}

// CreateRun registers (and enqueues) a new training run
func (r *RunsAPI) CreateRun(ctx context.Context, run *common.TrainingRun) (*common.TrainingRun, error) {
	var created common.TrainingRun
	if err := r.do(ctx, http.MethodPost, RunsListRoute, run, http.StatusCreated, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetRun retrieves a training run
func (r *RunsAPI) GetRun(ctx context.Context, id uuid.UUID) (*common.TrainingRun, error) {
	var run common.TrainingRun
	if err := r.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s", RunsListRoute, id), nil, http.StatusOK, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatus changes the status field of a training run
func (r *RunsAPI) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string) error {
	if _, ok := common.ValidStatuses[status]; !ok {
		return fmt.Errorf("[runs-api] Status \"%s\" is invalid", status)
	}
	return r.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", RunsStatusUpdateRoute, id), map[string]string{"status": status}, http.StatusOK, nil)
}

// PostRunResult forwards the outcome of a training run
func (r *RunsAPI) PostRunResult(ctx context.Context, id uuid.UUID, result common.RunResult) error {
	if err := result.Check(); err != nil {
		return fmt.Errorf("[runs-api] Invalid result for run %s: %w", id, err)
	}
	return r.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", RunsResultRoute, id), result, http.StatusOK, nil)
}

// RunsAPIMock mocks the runs API, recording updates and always returning ok except for a given
// "unexisting" run UUID
type RunsAPIMock struct {
	Runs

	UnexistingRun string

	mu       sync.Mutex
	Statuses map[uuid.UUID][]string
	Results  map[uuid.UUID]common.RunResult
	Created  []*common.TrainingRun
	logger   zerolog.Logger
}

// NewRunsAPIMock returns with a mock of the runs API
func NewRunsAPIMock(logger zerolog.Logger) *RunsAPIMock {
	return &RunsAPIMock{
		UnexistingRun: "ea408171-0205-475e-8962-a02855767260",
		Statuses:      map[uuid.UUID][]string{},
		Results:       map[uuid.UUID]common.RunResult{},
		logger:        logger.With().Str("component", "runs-mock").Logger(),
	}
}

// CreateRun records the run
func (r *RunsAPIMock) CreateRun(ctx context.Context, run *common.TrainingRun) (*common.TrainingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Created = append(r.Created, run)
	return run, nil
}

// GetRun returns a previously created run
func (r *RunsAPIMock) GetRun(ctx context.Context, id uuid.UUID) (*common.TrainingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, run := range r.Created {
		if uuid.Equal(run.ID, id) {
			return run, nil
		}
	}
	return nil, fmt.Errorf("[runs-mock] Unexisting run %s", id)
}

// UpdateRunStatus returns nil except if RunsAPIMock.UnexistingRun is passed
func (r *RunsAPIMock) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string) error {
	if id.String() == r.UnexistingRun {
		return fmt.Errorf("[runs-mock][status-update] Unexisting run %s", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Statuses[id] = append(r.Statuses[id], status)
	r.logger.Info().Str("run", id.String()).Str("status", status).Msg("Received status update")
	return nil
}

// PostRunResult returns nil except if RunsAPIMock.UnexistingRun is passed
func (r *RunsAPIMock) PostRunResult(ctx context.Context, id uuid.UUID, result common.RunResult) error {
	if id.String() == r.UnexistingRun {
		return fmt.Errorf("[runs-mock][result] Unexisting run %s", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[id] = result
	r.logger.Info().Str("run", id.String()).Str("status", result.Status).Msg("Received run result")
	return nil
}
