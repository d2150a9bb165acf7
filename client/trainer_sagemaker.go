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
	"math"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/rs/zerolog"
)

// SageMakerTrainer runs training jobs on Amazon SageMaker
type SageMakerTrainer struct {
	api               sagemakeriface.SageMakerAPI
	waiterDelay       time.Duration
	waiterMaxAttempts int
	logger            zerolog.Logger
}

// NewSageMakerTrainer creates a SageMakerTrainer sharing the given AWS session. Job statuses are
// polled every waiterDelay, at most waiterMaxAttempts times (0 means until the context is done).
func NewSageMakerTrainer(sess *session.Session, waiterDelay time.Duration, waiterMaxAttempts int, logger zerolog.Logger) *SageMakerTrainer {
	return NewSageMakerTrainerWithClient(sagemaker.New(sess), waiterDelay, waiterMaxAttempts, logger)
}

// NewSageMakerTrainerWithClient creates a SageMakerTrainer on top of an existing API client
func NewSageMakerTrainerWithClient(api sagemakeriface.SageMakerAPI, waiterDelay time.Duration, waiterMaxAttempts int, logger zerolog.Logger) *SageMakerTrainer {
	if waiterMaxAttempts <= 0 {
		waiterMaxAttempts = math.MaxInt32
	}
	return &SageMakerTrainer{
		api:               api,
		waiterDelay:       waiterDelay,
		waiterMaxAttempts: waiterMaxAttempts,
		logger:            logger.With().Str("component", "sagemaker").Logger(),
	}
}

// CreateTrainingJob submits a File mode training job reading a single fully replicated S3 channel
func (t *SageMakerTrainer) CreateTrainingJob(ctx context.Context, req TrainingJobRequest) error {
	input := &sagemaker.CreateTrainingJobInput{
		TrainingJobName: aws.String(req.JobName),
		RoleArn:         aws.String(req.RoleARN),
		AlgorithmSpecification: &sagemaker.AlgorithmSpecification{
			TrainingImage:     aws.String(req.ImageURI),
			TrainingInputMode: aws.String(sagemaker.TrainingInputModeFile),
		},
		InputDataConfig: []*sagemaker.Channel{
			{
				ChannelName: aws.String(req.InputChannel),
				DataSource: &sagemaker.DataSource{
					S3DataSource: &sagemaker.S3DataSource{
						S3DataType:             aws.String(sagemaker.S3DataTypeS3prefix),
						S3Uri:                  aws.String(req.InputURI),
						S3DataDistributionType: aws.String(sagemaker.S3DataDistributionFullyReplicated),
					},
				},
			},
		},
		OutputDataConfig: &sagemaker.OutputDataConfig{
			S3OutputPath: aws.String(req.OutputPath),
		},
		ResourceConfig: &sagemaker.ResourceConfig{
			InstanceType:   aws.String(req.InstanceType),
			InstanceCount:  aws.Int64(int64(req.InstanceCount)),
			VolumeSizeInGB: aws.Int64(int64(req.VolumeSizeGB)),
		},
		StoppingCondition: &sagemaker.StoppingCondition{
			MaxRuntimeInSeconds: aws.Int64(int64(req.MaxRuntime / time.Second)),
		},
		HyperParameters: aws.StringMap(req.Hyperparameters),
	}

	keys := make([]string, 0, len(req.Tags))
	for k := range req.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		input.Tags = append(input.Tags, &sagemaker.Tag{Key: aws.String(k), Value: aws.String(req.Tags[k])})
	}

	if err := input.Validate(); err != nil {
		return fmt.Errorf("[sagemaker] Invalid training job %s: %w", req.JobName, err)
	}

	out, err := t.api.CreateTrainingJobWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("[sagemaker] Error creating training job %s: %w", req.JobName, err)
	}
	t.logger.Info().Str("job", req.JobName).Str("arn", aws.StringValue(out.TrainingJobArn)).Msg("Training job created")
	return nil
}

// DescribeTrainingJob fetches the current status of a job
func (t *SageMakerTrainer) DescribeTrainingJob(ctx context.Context, jobName string) (*TrainingJobStatus, error) {
	out, err := t.api.DescribeTrainingJobWithContext(ctx, &sagemaker.DescribeTrainingJobInput{
		TrainingJobName: aws.String(jobName),
	})
	if err != nil {
		return nil, fmt.Errorf("[sagemaker] Error describing training job %s: %w", jobName, err)
	}

	status := &TrainingJobStatus{
		JobName:       jobName,
		Status:        aws.StringValue(out.TrainingJobStatus),
		Secondary:     aws.StringValue(out.SecondaryStatus),
		FailureReason: aws.StringValue(out.FailureReason),
		StartTime:     out.TrainingStartTime,
		EndTime:       out.TrainingEndTime,
	}
	if out.ModelArtifacts != nil {
		status.ModelArtifact = aws.StringValue(out.ModelArtifacts.S3ModelArtifacts)
	}
	return status, nil
}

// WaitTrainingJob polls the job until it is Completed, Failed or Stopped
func (t *SageMakerTrainer) WaitTrainingJob(ctx context.Context, jobName string) (*TrainingJobStatus, error) {
	t.logger.Info().Str("job", jobName).Dur("delay", t.waiterDelay).Msg("Waiting for training job")

	waitErr := t.api.WaitUntilTrainingJobCompletedOrStoppedWithContext(
		ctx,
		&sagemaker.DescribeTrainingJobInput{TrainingJobName: aws.String(jobName)},
		request.WithWaiterDelay(request.ConstantWaiterDelay(t.waiterDelay)),
		request.WithWaiterMaxAttempts(t.waiterMaxAttempts),
	)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// The waiter gives up on Failed jobs with an error, let's report the actual status instead
	status, err := t.DescribeTrainingJob(ctx, jobName)
	if err != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("[sagemaker] Error waiting for training job %s: %w", jobName, waitErr)
		}
		return nil, err
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("[sagemaker] Training job %s still %s after waiting: %v", jobName, status.Status, waitErr)
	}

	t.logger.Info().Str("job", jobName).Str("status", status.Status).Msg("Training job is over")
	return status, nil
}

// StopTrainingJob asks SageMaker to stop a job
func (t *SageMakerTrainer) StopTrainingJob(ctx context.Context, jobName string) error {
	_, err := t.api.StopTrainingJobWithContext(ctx, &sagemaker.StopTrainingJobInput{
		TrainingJobName: aws.String(jobName),
	})
	if err != nil {
		return fmt.Errorf("[sagemaker] Error stopping training job %s: %w", jobName, err)
	}
	t.logger.Warn().Str("job", jobName).Msg("Training job stop requested")
	return nil
}
