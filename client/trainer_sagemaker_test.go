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
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sagemaker"
	"github.com/aws/aws-sdk-go/service/sagemaker/sagemakeriface"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSageMaker struct {
	sagemakeriface.SageMakerAPI

	created  []*sagemaker.CreateTrainingJobInput
	stopped  []string
	status   string
	waitErr  error
	waitHang bool
}

func (f *fakeSageMaker) CreateTrainingJobWithContext(ctx aws.Context, input *sagemaker.CreateTrainingJobInput, opts ...request.Option) (*sagemaker.CreateTrainingJobOutput, error) {
	f.created = append(f.created, input)
	return &sagemaker.CreateTrainingJobOutput{
		TrainingJobArn: aws.String("arn:aws:sagemaker:us-west-2:123456789012:training-job/" + aws.StringValue(input.TrainingJobName)),
	}, nil
}

func (f *fakeSageMaker) DescribeTrainingJobWithContext(ctx aws.Context, input *sagemaker.DescribeTrainingJobInput, opts ...request.Option) (*sagemaker.DescribeTrainingJobOutput, error) {
	out := &sagemaker.DescribeTrainingJobOutput{
		TrainingJobName:   input.TrainingJobName,
		TrainingJobStatus: aws.String(f.status),
		SecondaryStatus:   aws.String("Completed"),
	}
	switch f.status {
	case JobStatusCompleted:
		out.ModelArtifacts = &sagemaker.ModelArtifacts{
			S3ModelArtifacts: aws.String("s3://my-bucket/output/" + aws.StringValue(input.TrainingJobName) + "/output/model.tar.gz"),
		}
	case JobStatusFailed:
		out.FailureReason = aws.String("AlgorithmError: out of memory")
	}
	return out, nil
}

func (f *fakeSageMaker) WaitUntilTrainingJobCompletedOrStoppedWithContext(ctx aws.Context, input *sagemaker.DescribeTrainingJobInput, opts ...request.WaiterOption) error {
	if f.waitHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.waitErr
}

func (f *fakeSageMaker) StopTrainingJobWithContext(ctx aws.Context, input *sagemaker.StopTrainingJobInput, opts ...request.Option) (*sagemaker.StopTrainingJobOutput, error) {
	f.stopped = append(f.stopped, aws.StringValue(input.TrainingJobName))
	return &sagemaker.StopTrainingJobOutput{}, nil
}

func newTestRequest() TrainingJobRequest {
	return TrainingJobRequest{
		JobName:         "tf-mnist-2024-03-07-09-05-02-042",
		ImageURI:        "763104351884.dkr.ecr.us-west-2.amazonaws.com/tensorflow-training:1.15.5-cpu-py36",
		RoleARN:         "arn:aws:iam::123456789012:role/SageMakerRole",
		InputChannel:    TrainingChannel,
		InputURI:        "s3://my-bucket/data/mnist",
		OutputPath:      "s3://my-bucket/output",
		InstanceType:    "ml.c4.xlarge",
		InstanceCount:   1,
		VolumeSizeGB:    30,
		MaxRuntime:      24 * time.Hour,
		Hyperparameters: map[string]string{"epochs": "10"},
		Tags:            map[string]string{"team": "ml", "project": "mnist"},
	}
}

func TestSageMakerCreateTrainingJob(t *testing.T) {
	fake := &fakeSageMaker{}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 0, zerolog.Nop())

	require.NoError(t, trainer.CreateTrainingJob(context.Background(), newTestRequest()))
	require.Len(t, fake.created, 1)

	input := fake.created[0]
	assert.Equal(t, sagemaker.TrainingInputModeFile, aws.StringValue(input.AlgorithmSpecification.TrainingInputMode))
	require.Len(t, input.InputDataConfig, 1)
	assert.Equal(t, TrainingChannel, aws.StringValue(input.InputDataConfig[0].ChannelName))
	assert.Equal(t, "s3://my-bucket/data/mnist", aws.StringValue(input.InputDataConfig[0].DataSource.S3DataSource.S3Uri))
	assert.Equal(t, int64(86400), aws.Int64Value(input.StoppingCondition.MaxRuntimeInSeconds))
	assert.Equal(t, "10", aws.StringValue(input.HyperParameters["epochs"]))
	require.Len(t, input.Tags, 2)
	assert.Equal(t, "project", aws.StringValue(input.Tags[0].Key))
	assert.Equal(t, "team", aws.StringValue(input.Tags[1].Key))
}

func TestSageMakerCreateTrainingJobInvalid(t *testing.T) {
	fake := &fakeSageMaker{}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 0, zerolog.Nop())

	req := newTestRequest()
	req.RoleARN = "short"
	assert.Error(t, trainer.CreateTrainingJob(context.Background(), req))
	assert.Empty(t, fake.created)
}

func TestSageMakerWaitTrainingJob(t *testing.T) {
	fake := &fakeSageMaker{status: JobStatusCompleted}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 0, zerolog.Nop())

	status, err := trainer.WaitTrainingJob(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, status.Status)
	assert.Equal(t, "s3://my-bucket/output/job/output/model.tar.gz", status.ModelArtifact)
}

func TestSageMakerWaitTrainingJobFailed(t *testing.T) {
	// The waiter errors out on Failed jobs, the actual status must still be reported
	fake := &fakeSageMaker{status: JobStatusFailed, waitErr: errors.New("ResourceNotReady: failed waiting for successful resource state")}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 0, zerolog.Nop())

	status, err := trainer.WaitTrainingJob(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, status.Status)
	assert.Equal(t, "AlgorithmError: out of memory", status.FailureReason)
	assert.True(t, status.Terminal())
}

func TestSageMakerWaitTrainingJobNotOver(t *testing.T) {
	fake := &fakeSageMaker{status: JobStatusInProgress, waitErr: errors.New("exceeded max attempts")}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 3, zerolog.Nop())

	_, err := trainer.WaitTrainingJob(context.Background(), "job")
	assert.Error(t, err)
}

func TestSageMakerWaitTrainingJobCancelled(t *testing.T) {
	fake := &fakeSageMaker{status: JobStatusInProgress, waitHang: true}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 0, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := trainer.WaitTrainingJob(ctx, "job")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSageMakerStopTrainingJob(t *testing.T) {
	fake := &fakeSageMaker{}
	trainer := NewSageMakerTrainerWithClient(fake, time.Millisecond, 0, zerolog.Nop())

	require.NoError(t, trainer.StopTrainingJob(context.Background(), "job"))
	assert.Equal(t, []string{"job"}, fake.stopped)
}
