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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

var runRoutes = map[string]string{
	RunListRoute:                      http.MethodGet,
	"/run/" + DevilMockUUID:           http.MethodGet,
	"/update_status/" + DevilMockUUID: http.MethodPost,
	"/rundone/" + DevilMockUUID:       http.MethodPost,
}

func newTestServer(t *testing.T) (*APIServer, *MockedModel, *common.ProducerMock) {
	t.Helper()

	model := NewMockedModel()
	producer := common.NewProducerMock()
	return NewAPIServer(model, producer, "u", "p", zerolog.Nop()), model, producer
}

func newTestRun() *common.TrainingRun {
	conf := common.DefaultRunnerConfig()
	conf.Job.RoleARN = "arn:aws:iam::123456789012:role/SageMakerRole"
	return common.NewTrainingRun(conf.Dataset, conf.Job, conf.Eval)
}

func do(s *APIServer, method, url string, body interface{}, auth bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.SetBasicAuth("u", "p")
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestPublicRoute(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, RootRoute, nil, false).Code)

	rec := do(s, http.MethodGet, HealthRoute, nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestRouteAuthentication(t *testing.T) {
	s, _, _ := newTestServer(t)

	for url, method := range runRoutes {
		t.Log(url)

		assert.Equal(t, http.StatusUnauthorized, do(s, method, url, nil, false).Code)

		req := httptest.NewRequest(method, url, nil)
		req.SetBasicAuth("invalid", "invalid")
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestPostRun(t *testing.T) {
	s, model, producer := newTestServer(t)

	run := newTestRun()
	run.Status = common.TaskStatusDone
	run.Failure = "leftover"

	rec := do(s, http.MethodPost, RunListRoute, run, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created common.TrainingRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, run.ID, created.ID)
	assert.Equal(t, common.TaskStatusPending, created.Status)
	assert.Empty(t, created.Failure)

	stored, err := model.GetOne(run.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TaskStatusPending, stored.Status)

	require.Len(t, producer.Messages[common.TrainTopic], 1)
	var pushed common.TrainingRun
	require.NoError(t, json.Unmarshal(producer.Messages[common.TrainTopic][0], &pushed))
	assert.Equal(t, run.ID, pushed.ID)
	assert.Equal(t, run.Job.RoleARN, pushed.Job.RoleARN)
}

func TestPostRunAssignsUUID(t *testing.T) {
	s, _, _ := newTestServer(t)

	run := newTestRun()
	run.ID = uuid.Nil

	rec := do(s, http.MethodPost, RunListRoute, run, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created common.TrainingRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.False(t, uuid.Equal(uuid.Nil, created.ID))
}

func TestPostRunInvalid(t *testing.T) {
	s, _, producer := newTestServer(t)

	run := newTestRun()
	run.Job.RoleARN = ""

	rec := do(s, http.MethodPost, RunListRoute, run, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, producer.Messages[common.TrainTopic])

	// Runs the training service would reject are refused before being queued
	for _, mutate := range []func(r *common.TrainingRun){
		func(r *common.TrainingRun) { r.Job.VolumeSizeGB = 0 },
		func(r *common.TrainingRun) { r.Job.MaxRuntime = 0 },
		func(r *common.TrainingRun) { r.Job.JobNamePrefix = "tf_mnist" },
	} {
		run := newTestRun()
		mutate(run)
		rec := do(s, http.MethodPost, RunListRoute, run, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}
	assert.Empty(t, producer.Messages[common.TrainTopic])

	req := httptest.NewRequest(http.MethodPost, RunListRoute, bytes.NewBufferString("{not json"))
	req.SetBasicAuth("u", "p")
	rec = httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostRunPushFailure(t *testing.T) {
	s, model, producer := newTestServer(t)
	producer.Err = errors.New("nsqd is down")

	run := newTestRun()
	rec := do(s, http.MethodPost, RunListRoute, run, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	stored, err := model.GetOne(run.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TaskStatusFailed, stored.Status)
}

func TestGetRun(t *testing.T) {
	s, model, _ := newTestServer(t)

	run := newTestRun()
	require.NoError(t, model.Insert(run))

	rec := do(s, http.MethodGet, "/run/"+run.ID.String(), nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var got common.TrainingRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/run/not-a-uuid", nil, true).Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/run/"+DevilMockUUID, nil, true).Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/run/"+uuid.NewV4().String(), nil, true).Code)
}

func TestGetRunList(t *testing.T) {
	s, model, _ := newTestServer(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := newTestRun()
		run.RequestDate = start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, model.Insert(run))
	}

	rec := do(s, http.MethodGet, RunListRoute+"?page=1&page_size=2", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Page   int                  `json:"page"`
		Length int                  `json:"length"`
		Items  []common.TrainingRun `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Page)
	require.Equal(t, 2, page.Length)
	assert.True(t, page.Items[0].RequestDate.Equal(start.Add(2*time.Minute)))
	assert.True(t, page.Items[1].RequestDate.Equal(start.Add(time.Minute)))

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, RunListRoute+"?page=-1", nil, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, RunListRoute+"?page_size=0", nil, true).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, fmt.Sprintf("%s?page_size=%d", RunListRoute, MaxPageSize+1), nil, true).Code)
}

func TestUpdateStatus(t *testing.T) {
	s, model, _ := newTestServer(t)

	run := newTestRun()
	require.NoError(t, model.Insert(run))
	url := "/update_status/" + run.ID.String()

	rec := do(s, http.MethodPost, url, map[string]string{"status": common.TaskStatusTraining}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := model.GetOne(run.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TaskStatusTraining, stored.Status)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, url, map[string]string{"status": "sleeping"}, true).Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, "/update_status/"+uuid.NewV4().String(), map[string]string{"status": common.TaskStatusTraining}, true).Code)
}

func TestRunDone(t *testing.T) {
	s, model, _ := newTestServer(t)
	doneAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return doneAt }
	defer func() { now = func() time.Time { return time.Now().UTC() } }()

	run := newTestRun()
	require.NoError(t, model.Insert(run))
	url := "/rundone/" + run.ID.String()

	result := common.RunResult{
		Status:        common.TaskStatusDone,
		JobName:       "tf-mnist-2024-01-01-11-00-00-000",
		ModelArtifact: "s3://my-bucket/output/tf-mnist-2024-01-01-11-00-00-000/output/model.tar.gz",
		Metrics:       common.Metrics{"accuracy": 0.98, "loss": 0.05},
	}
	rec := do(s, http.MethodPost, url, result, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := model.GetOne(run.ID)
	require.NoError(t, err)
	assert.Equal(t, common.TaskStatusDone, stored.Status)
	assert.Equal(t, result.JobName, stored.JobName)
	assert.Equal(t, result.ModelArtifact, stored.ModelArtifact)
	assert.Equal(t, result.Metrics, stored.Metrics)
	require.NotNil(t, stored.CompletionDate)
	assert.True(t, stored.CompletionDate.Equal(doneAt))

	// Failed runs must say why
	rec = do(s, http.MethodPost, url, common.RunResult{Status: common.TaskStatusFailed}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/rundone/"+DevilMockUUID, result, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
