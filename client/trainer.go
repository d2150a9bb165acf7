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
	"context"
	"fmt"
	"sync"
	"time"
)

// Training job statuses, as reported by the managed service
const (
	JobStatusInProgress = "InProgress"
	JobStatusCompleted  = "Completed"
	JobStatusFailed     = "Failed"
	JobStatusStopping   = "Stopping"
	JobStatusStopped    = "Stopped"
)

// TrainingJobRequest is a fully resolved training job: names, image and hyperparameters are final
type TrainingJobRequest struct {
	JobName         string
	ImageURI        string
	RoleARN         string
	InputChannel    string
	InputURI        string
	OutputPath      string
	InstanceType    string
	InstanceCount   int
	VolumeSizeGB    int
	MaxRuntime      time.Duration
	Hyperparameters map[string]string
	Tags            map[string]string
}

// TrainingJobStatus is a snapshot of a training job
type TrainingJobStatus struct {
	JobName       string     `json:"job_name"`
	Status        string     `json:"status"`
	Secondary     string     `json:"secondary_status,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ModelArtifact string     `json:"model_artifact,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// Terminal returns true once the job won't change status anymore
func (s *TrainingJobStatus) Terminal() bool {
	switch s.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// Trainer describes the managed training service
type Trainer interface {
	CreateTrainingJob(ctx context.Context, req TrainingJobRequest) error
	DescribeTrainingJob(ctx context.Context, jobName string) (*TrainingJobStatus, error)
	// WaitTrainingJob blocks until the job reaches a terminal status (Completed, Failed or Stopped)
	// and returns that status. A Failed or Stopped job is not an error at this level.
	WaitTrainingJob(ctx context.Context, jobName string) (*TrainingJobStatus, error)
	StopTrainingJob(ctx context.Context, jobName string) error
}

// TrainerMock runs jobs in memory: every created job completes with FinalStatus as soon as it is
// waited for
type TrainerMock struct {
	Trainer

	FinalStatus   string
	FailureReason string
	// Block makes WaitTrainingJob hang until its context is done
	Block bool

	mu       sync.Mutex
	Requests []TrainingJobRequest
	Stopped  []string
	statuses map[string]*TrainingJobStatus
}

// NewTrainerMock returns a TrainerMock whose jobs succeed
func NewTrainerMock() *TrainerMock {
	return &TrainerMock{
		FinalStatus: JobStatusCompleted,
		statuses:    map[string]*TrainingJobStatus{},
	}
}

// CreateTrainingJob records the request. Job names must be unique.
func (t *TrainerMock) CreateTrainingJob(ctx context.Context, req TrainingJobRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.statuses[req.JobName]; ok {
		return fmt.Errorf("[trainer-mock] Training job %s already exists", req.JobName)
	}
	t.Requests = append(t.Requests, req)
	t.statuses[req.JobName] = &TrainingJobStatus{
		JobName: req.JobName,
		Status:  JobStatusInProgress,
	}
	return nil
}

// DescribeTrainingJob returns the recorded status of a job
func (t *TrainerMock) DescribeTrainingJob(ctx context.Context, jobName string) (*TrainingJobStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.statuses[jobName]
	if !ok {
		return nil, fmt.Errorf("[trainer-mock] Unexisting training job %s", jobName)
	}
	copied := *status
	return &copied, nil
}

// WaitTrainingJob moves the job to FinalStatus
func (t *TrainerMock) WaitTrainingJob(ctx context.Context, jobName string) (*TrainingJobStatus, error) {
	if t.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	t.mu.Lock()
	status, ok := t.statuses[jobName]
	if ok && !status.Terminal() {
		status.Status = t.FinalStatus
		if t.FinalStatus != JobStatusCompleted {
			status.FailureReason = t.FailureReason
		}
	}
	t.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("[trainer-mock] Unexisting training job %s", jobName)
	}
	return t.DescribeTrainingJob(ctx, jobName)
}

// StopTrainingJob marks the job as stopped
func (t *TrainerMock) StopTrainingJob(ctx context.Context, jobName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Stopped = append(t.Stopped, jobName)
	if status, ok := t.statuses[jobName]; ok {
		status.Status = JobStatusStopped
	}
	return nil
}
