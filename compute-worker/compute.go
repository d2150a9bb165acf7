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
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/MorpheoOrg/sagemaker-runner/client"
	"github.com/MorpheoOrg/sagemaker-runner/common"
	"github.com/MorpheoOrg/sagemaker-runner/pipeline"
)

// reportTimeout bounds the final result report, which may happen after the task context is done
const reportTimeout = 30 * time.Second

// Runner executes a training run (implemented by *pipeline.Pipeline)
type Runner interface {
	Run(ctx context.Context, run *common.TrainingRun, report pipeline.StatusFunc) (common.RunResult, error)
}

// Worker describes a worker (where it stores its data, which container runtime it uses...).
// Most importantly, it carefully implements all the steps of our training workflow.
type Worker struct {
	runner Runner

	// Runs API client
	runs client.Runs
}

// NewWorker creates a Worker instance
func NewWorker(runner Runner, runs client.Runs) *Worker {
	return &Worker{
		runner: runner,
		runs:   runs,
	}
}

// HandleTrain manages a training run (runs API status updates, etc...)
func (w *Worker) HandleTrain(ctx context.Context, message []byte) (err error) {
	// Unmarshal the training run
	var run common.TrainingRun

	err = json.NewDecoder(bytes.NewReader(message)).Decode(&run)
	if err != nil {
		return common.NewFatalTaskError("Error un-marshaling training run: %s -- Body: %s", err, message)
	}

	if err = run.Check(); err != nil {
		return common.NewFatalTaskError("Error in training run: %s -- Body: %s", err, message)
	}

	logger := zerolog.Ctx(ctx).With().Str("run", run.ID.String()).Logger()
	ctx = logger.WithContext(ctx)

	// Update its status to pending on the runs API
	if err := w.runs.UpdateRunStatus(ctx, run.ID, common.TaskStatusPending); err != nil {
		logger.Warn().Err(err).Msg("Cannot update run status")
	}

	result, runErr := w.runner.Run(ctx, &run, func(ctx context.Context, status string) error {
		return w.runs.UpdateRunStatus(ctx, run.ID, status)
	})

	reportCtx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	// The worker is shutting down, the run goes back to the queue
	if runErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		if err := w.runs.UpdateRunStatus(reportCtx, run.ID, common.TaskStatusPending); err != nil {
			logger.Warn().Err(err).Msg("Cannot update run status")
		}
		return common.NewTaskError(runErr, "Training run %s interrupted", run.ID)
	}

	if err := w.runs.PostRunResult(reportCtx, run.ID, result); err != nil {
		logger.Error().Err(err).Msg("Cannot post run result")
		if runErr == nil {
			return common.NewTaskError(err, "Error posting result of run %s", run.ID)
		}
	}

	if runErr != nil {
		// A training job that didn't complete or a run that timed out won't do better next time
		if pipeline.IsJobFailure(runErr) || errors.Is(runErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return common.NewFatalTaskError("Error in training run %s: %s", run.ID, runErr)
		}
		return common.NewTaskError(runErr, "Error in training run %s", run.ID)
	}

	logger.Info().Interface("metrics", result.Metrics).Msg("Training run finished with success")
	return nil
}
