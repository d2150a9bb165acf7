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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/MorpheoOrg/sagemaker-runner/client"
	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// Work directory layout of a run
const (
	ModelFolder  = "model"
	DataFolder   = "data"
	OutputFolder = "output"
)

// stopTimeout bounds the best effort stop request sent when a run is cancelled
const stopTimeout = 30 * time.Second

// StatusFunc is called on every status transition of a run
type StatusFunc func(ctx context.Context, status string) error

// JobFailedError is returned when the training job ends in any other state than Completed
type JobFailedError struct {
	JobName string
	Status  string
	Reason  string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("training job %s ended with status %s", e.JobName, e.Status)
	}
	return fmt.Sprintf("training job %s ended with status %s: %s", e.JobName, e.Status, e.Reason)
}

// Pipeline chains the steps of a training run: staging the dataset, training on the managed
// service, retrieving the model and evaluating it
type Pipeline struct {
	Stores       common.BlobStoreFactory
	Trainer      client.Trainer
	Evaluator    Evaluator
	Region       string
	ImageAccount string
	WorkDir      string
	KeepWorkDir  bool

	now func() time.Time
}

// NewPipeline creates a Pipeline. Work files of runs are created under workDir.
func NewPipeline(stores common.BlobStoreFactory, trainer client.Trainer, evaluator Evaluator, region, imageAccount, workDir string) *Pipeline {
	return &Pipeline{
		Stores:       stores,
		Trainer:      trainer,
		Evaluator:    evaluator,
		Region:       region,
		ImageAccount: imageAccount,
		WorkDir:      workDir,
		now:          time.Now,
	}
}

func (p *Pipeline) store(bucket string) (common.BlobStore, error) {
	store, err := p.Stores(bucket)
	if err != nil {
		return nil, fmt.Errorf("[pipeline] Error opening bucket %s: %w", bucket, err)
	}
	return store, nil
}

// Stage copies the dataset files from their source prefix to their destination prefix and returns
// the destination prefix, to be used as the training channel
func (p *Pipeline) Stage(ctx context.Context, dataset common.Dataset) (string, error) {
	if err := dataset.Check(); err != nil {
		return "", fmt.Errorf("[pipeline] Invalid dataset: %w", err)
	}
	src, _ := common.ParseS3URI(dataset.Source)
	dst, _ := common.ParseS3URI(dataset.Destination)

	srcStore, err := p.store(src.Bucket)
	if err != nil {
		return "", err
	}
	dstStore, err := p.store(dst.Bucket)
	if err != nil {
		return "", err
	}

	logger := zerolog.Ctx(ctx)
	for _, name := range dataset.Files {
		from, to := src.Join(name), dst.Join(name)
		logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Staging file")
		if err := common.CopyBlob(ctx, srcStore, src.Bucket, from.Key, dstStore, to.Key); err != nil {
			return "", fmt.Errorf("[pipeline] Error staging %s to %s: %w", from, to, err)
		}
	}
	return dst.String(), nil
}

// UploadEntryPoint packages the entry point (with its source directory if any) and uploads it to
// <output path>/<job name>/source/sourcedir.tar.gz. It returns the uploaded archive URI and the
// entry point path relative to the archive root.
func (p *Pipeline) UploadEntryPoint(ctx context.Context, job common.JobDescriptor, jobName string) (archive string, program string, err error) {
	root, program := filepath.Dir(job.EntryPoint), filepath.Base(job.EntryPoint)
	packed := []string{program}
	if job.SourceDir != "" {
		root, program, packed = job.SourceDir, filepath.ToSlash(job.EntryPoint), []string{"."}
	}
	if _, err := os.Stat(filepath.Join(root, program)); err != nil {
		return "", "", fmt.Errorf("[pipeline] Entry point %s not found: %w", job.EntryPoint, err)
	}

	var buf bytes.Buffer
	if err := common.PackTarGz(&buf, root, packed...); err != nil {
		return "", "", fmt.Errorf("[pipeline] Error packaging entry point %s: %w", job.EntryPoint, err)
	}

	output, err := common.ParseS3URI(job.OutputPath)
	if err != nil {
		return "", "", fmt.Errorf("[pipeline] Invalid output path: %w", err)
	}
	target := output.Join(jobName, "source", common.SourceDirArchiveName)
	store, err := p.store(target.Bucket)
	if err != nil {
		return "", "", err
	}
	if err := store.Put(ctx, target.Key, &buf, int64(buf.Len())); err != nil {
		return "", "", fmt.Errorf("[pipeline] Error uploading entry point to %s: %w", target, err)
	}
	return target.String(), program, nil
}

// Submit names the job, uploads its entry point, creates it on the managed service and blocks
// until it is over. The returned status is never nil once the job has been created.
//
// A job that doesn't complete yields a *JobFailedError. If ctx is done while waiting, the job is
// stopped and the context error returned.
func (p *Pipeline) Submit(ctx context.Context, job common.JobDescriptor, channel string) (*client.TrainingJobStatus, error) {
	if err := job.Check(); err != nil {
		return nil, fmt.Errorf("[pipeline] Invalid job: %w", err)
	}
	jobName := client.JobName(job.JobNamePrefix, p.now())
	logger := zerolog.Ctx(ctx).With().Str("job", jobName).Logger()

	submitDir, program, err := p.UploadEntryPoint(ctx, job, jobName)
	if err != nil {
		return nil, err
	}

	image := job.ImageURI
	if image == "" {
		image, err = client.FrameworkImageURI(p.ImageAccount, p.Region, job.Framework, job.FrameworkVersion, job.PyVersion, job.InstanceType)
		if err != nil {
			return nil, err
		}
	}

	output, _ := common.ParseS3URI(job.OutputPath)
	hyperparameters, err := client.ScriptModeHyperparameters(client.ScriptModeParams{
		EntryPoint:      program,
		SubmitDirectory: submitDir,
		Region:          p.Region,
		JobName:         jobName,
		ModelDir:        output.Join(jobName, ModelFolder).String(),
		ParameterServer: job.ParameterServer,
	}, job.Hyperparameters)
	if err != nil {
		return nil, err
	}

	err = p.Trainer.CreateTrainingJob(ctx, client.TrainingJobRequest{
		JobName:         jobName,
		ImageURI:        image,
		RoleARN:         job.RoleARN,
		InputChannel:    client.TrainingChannel,
		InputURI:        channel,
		OutputPath:      output.String(),
		InstanceType:    job.InstanceType,
		InstanceCount:   job.InstanceCount,
		VolumeSizeGB:    job.VolumeSizeGB,
		MaxRuntime:      job.MaxRuntime,
		Hyperparameters: hyperparameters,
		Tags:            job.Tags,
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("image", image).Str("channel", channel).Msg("Training job submitted")

	status, err := p.Trainer.WaitTrainingJob(ctx, jobName)
	if ctx.Err() != nil {
		p.stop(jobName, logger)
		return &client.TrainingJobStatus{JobName: jobName, Status: client.JobStatusStopping}, ctx.Err()
	}
	if err != nil {
		return &client.TrainingJobStatus{JobName: jobName}, err
	}
	if status.Status != client.JobStatusCompleted {
		return status, &JobFailedError{JobName: jobName, Status: status.Status, Reason: status.FailureReason}
	}
	return status, nil
}

func (p *Pipeline) stop(jobName string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := p.Trainer.StopTrainingJob(ctx, jobName); err != nil {
		logger.Error().Err(err).Msg("Cannot stop training job")
	}
}

// ModelArchiveURI returns where the managed service puts the model archive of a job
func ModelArchiveURI(outputPath, jobName string) (common.S3URI, error) {
	output, err := common.ParseS3URI(outputPath)
	if err != nil {
		return common.S3URI{}, fmt.Errorf("[pipeline] Invalid output path: %w", err)
	}
	return output.Join(jobName, "output", common.ModelArchiveName), nil
}

// Retrieve downloads the model archive of a job into dir and extracts it under dir/model. It returns
// the model directory and the extracted files.
func (p *Pipeline) Retrieve(ctx context.Context, outputPath, jobName, dir string) (string, []string, error) {
	archive, err := ModelArchiveURI(outputPath, jobName)
	if err != nil {
		return "", nil, err
	}
	store, err := p.store(archive.Bucket)
	if err != nil {
		return "", nil, err
	}

	local := filepath.Join(dir, common.ModelArchiveName)
	if err := download(ctx, store, archive.Key, local); err != nil {
		return "", nil, fmt.Errorf("[pipeline] Error downloading %s: %w", archive, err)
	}

	f, err := os.Open(local)
	if err != nil {
		return "", nil, fmt.Errorf("[pipeline] Error opening %s: %w", local, err)
	}
	defer f.Close()

	modelDir := filepath.Join(dir, ModelFolder)
	files, err := common.ExtractTarGz(f, modelDir)
	if err != nil {
		return "", nil, fmt.Errorf("[pipeline] Error extracting %s: %w", archive, err)
	}
	zerolog.Ctx(ctx).Info().Str("archive", archive.String()).Strs("files", files).Msg("Model retrieved")
	return modelDir, files, nil
}

// FetchEvalData downloads the staged evaluation files of a dataset into dir
func (p *Pipeline) FetchEvalData(ctx context.Context, dataset common.Dataset, dir string) error {
	dst, err := common.ParseS3URI(dataset.Destination)
	if err != nil {
		return fmt.Errorf("[pipeline] Invalid dataset destination: %w", err)
	}
	store, err := p.store(dst.Bucket)
	if err != nil {
		return err
	}

	for _, name := range dataset.EvalFiles {
		key := dst.Join(name).Key
		if err := download(ctx, store, key, filepath.Join(dir, path.Base(name))); err != nil {
			return fmt.Errorf("[pipeline] Error downloading evaluation file %s: %w", dst.Join(name), err)
		}
	}
	return nil
}

// Evaluate scores the model found at spec.ModelPath under modelDir against the arrays in dataDir.
// Metrics are written to outputDir by the evaluation routines.
func (p *Pipeline) Evaluate(ctx context.Context, spec common.EvalSpec, sourceDir, modelDir, dataDir, outputDir string) (common.Metrics, error) {
	if err := spec.Check(); err != nil {
		return nil, fmt.Errorf("[pipeline] Invalid evaluation: %w", err)
	}
	modelPath := filepath.Join(modelDir, filepath.FromSlash(spec.ModelPath))
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("[pipeline] Model file not found at %s: %w", modelPath, err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("[pipeline] Error creating output directory %s: %w", outputDir, err)
	}

	err := p.Evaluator.Evaluate(ctx, spec, EvalRequest{
		SourceDir: sourceDir,
		ModelDir:  modelDir,
		DataDir:   dataDir,
		OutputDir: outputDir,
	})
	if err != nil {
		return nil, fmt.Errorf("[pipeline] Evaluation failed: %w", err)
	}

	metrics, err := ReadMetrics(filepath.Join(outputDir, spec.MetricsFile))
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Interface("metrics", metrics).Msg("Model evaluated")
	return metrics, nil
}

// Run executes all the steps of a run in order, reporting every status transition. The result
// describes the outcome and is returned even when err isn't nil.
func (p *Pipeline) Run(ctx context.Context, run *common.TrainingRun, report StatusFunc) (result common.RunResult, err error) {
	logger := zerolog.Ctx(ctx).With().Str("run", run.ID.String()).Logger()
	ctx = logger.WithContext(ctx)
	if report == nil {
		report = func(context.Context, string) error { return nil }
	}
	setStatus := func(status string) {
		if err := report(ctx, status); err != nil {
			logger.Warn().Err(err).Str("status", status).Msg("Cannot report status")
		}
	}

	defer func() {
		if err != nil {
			result.Status = common.TaskStatusFailed
			result.Failure = err.Error()
			logger.Error().Err(err).Msg("Run failed")
		}
	}()

	workDir := filepath.Join(p.WorkDir, run.ID.String())
	dataDir, outputDir := filepath.Join(workDir, DataFolder), filepath.Join(workDir, OutputFolder)
	for _, dir := range []string{dataDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return result, fmt.Errorf("[pipeline] Error creating work directory %s: %w", dir, err)
		}
	}
	if !p.KeepWorkDir {
		defer os.RemoveAll(workDir)
	}

	setStatus(common.TaskStatusStaging)
	channel, err := p.Stage(ctx, run.Dataset)
	if err != nil {
		return result, err
	}

	setStatus(common.TaskStatusTraining)
	status, err := p.Submit(ctx, run.Job, channel)
	if status != nil {
		result.JobName = status.JobName
	}
	if err != nil {
		return result, err
	}

	setStatus(common.TaskStatusRetrieving)
	modelDir, _, err := p.Retrieve(ctx, run.Job.OutputPath, status.JobName, workDir)
	if err != nil {
		return result, err
	}
	archive, _ := ModelArchiveURI(run.Job.OutputPath, status.JobName)
	result.ModelArtifact = archive.String()

	setStatus(common.TaskStatusEvaluating)
	if err := p.FetchEvalData(ctx, run.Dataset, dataDir); err != nil {
		return result, err
	}
	result.Metrics, err = p.Evaluate(ctx, run.Eval, evalSourceDir(run.Job), modelDir, dataDir, outputDir)
	if err != nil {
		return result, err
	}

	result.Status = common.TaskStatusDone
	logger.Info().Str("job", result.JobName).Msg("Run finished with success")
	return result, nil
}

// evalSourceDir is where the evaluation routines shipped with the entry point live
func evalSourceDir(job common.JobDescriptor) string {
	if job.SourceDir != "" {
		return job.SourceDir
	}
	return filepath.Dir(job.EntryPoint)
}

func download(ctx context.Context, store common.BlobStore, key, target string) (err error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer data.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(f, data)
	return err
}

// IsJobFailure tells whether err comes from a training job that didn't complete
func IsJobFailure(err error) bool {
	var failed *JobFailedError
	return errors.As(err, &failed)
}
