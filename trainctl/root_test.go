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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MorpheoOrg/sagemaker-runner/client"
	"github.com/MorpheoOrg/sagemaker-runner/common"
	"github.com/MorpheoOrg/sagemaker-runner/pipeline"
)

type testCLI struct {
	cli     *cli
	out     *bytes.Buffer
	trainer *client.TrainerMock
	dataDir string
}

// newTestCLI wires trainctl to a local blob store and an in-memory trainer
func newTestCLI(t *testing.T) *testCLI {
	t.Helper()

	tc := &testCLI{
		out:     &bytes.Buffer{},
		trainer: client.NewTrainerMock(),
		dataDir: t.TempDir(),
	}
	tc.cli = &cli{
		out:    tc.out,
		errOut: &bytes.Buffer{},
		newPipeline: func(conf *common.RunnerConfig, logger zerolog.Logger) (*pipeline.Pipeline, error) {
			return pipeline.NewPipeline(common.NewLocalBlobStoreFactory(conf.DataDir), tc.trainer, &pipeline.CommandEvaluator{}, conf.Region, conf.Trainer.ImageAccount, conf.WorkDir), nil
		},
	}
	return tc
}

func (tc *testCLI) execute(args ...string) error {
	root := tc.cli.rootCommand()
	root.SetArgs(append([]string{"--blobstore", common.BlobStoreLocal, "--data-dir", tc.dataDir}, args...))
	return root.ExecuteContext(context.Background())
}

func TestStageCommand(t *testing.T) {
	tc := newTestCLI(t)

	public, err := common.NewLocalBlobStoreFactory(tc.dataDir)("sample-data")
	require.NoError(t, err)
	for _, name := range []string{"a.npy", "b.npy"} {
		require.NoError(t, public.Put(context.Background(), "mnist/"+name, bytes.NewBufferString(name), -1))
	}

	err = tc.execute("stage",
		"--source", "s3://sample-data/mnist",
		"--destination", "s3://my-bucket/staged",
		"--files", "a.npy,b.npy",
		"--eval-files", "b.npy",
	)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &out))
	assert.Equal(t, "s3://my-bucket/staged", out["channel"])
	assert.FileExists(t, filepath.Join(tc.dataDir, "my-bucket", "staged", "a.npy"))
	assert.FileExists(t, filepath.Join(tc.dataDir, "my-bucket", "staged", "b.npy"))
}

func TestConfigFileAndEnvironment(t *testing.T) {
	tc := newTestCLI(t)

	configFile := filepath.Join(t.TempDir(), "trainctl.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
region: eu-west-1
job:
  instance_type: ml.m5.xlarge
  job_name_prefix: from-file
log:
  level: debug
`), 0644))
	t.Setenv(EnvPrefix+"JOB__JOB_NAME_PREFIX", "from-env")

	// The job doesn't exist, only the loaded configuration matters here
	err := tc.execute("--config", configFile, "--instance-type", "ml.p3.2xlarge", "describe", "unused", "--log-level", "warn")
	assert.Error(t, err)

	assert.Equal(t, "eu-west-1", tc.cli.conf.Region)
	assert.Equal(t, "from-env", tc.cli.conf.Job.JobNamePrefix)
	assert.Equal(t, "ml.p3.2xlarge", tc.cli.conf.Job.InstanceType)
	assert.Equal(t, "warn", tc.cli.conf.Log.Level)
	assert.Equal(t, common.LogFormatConsole, tc.cli.conf.Log.Format)
}

func TestDescribeCommand(t *testing.T) {
	tc := newTestCLI(t)
	require.NoError(t, tc.trainer.CreateTrainingJob(context.Background(), client.TrainingJobRequest{JobName: "tf-mnist-2024-03-07-09-05-02-042"}))

	require.NoError(t, tc.execute("describe", "tf-mnist-2024-03-07-09-05-02-042"))

	var status client.TrainingJobStatus
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &status))
	assert.Equal(t, client.JobStatusInProgress, status.Status)

	assert.Error(t, newTestCLI(t).execute("describe", "unknown-job"))
}

func TestEvaluateCommandRequiresModelDir(t *testing.T) {
	tc := newTestCLI(t)
	assert.Error(t, tc.execute("evaluate"))
}

// modelTrainer completes jobs like TrainerMock and writes their model archive to the output bucket,
// as the managed service does
type modelTrainer struct {
	*client.TrainerMock
	output common.BlobStore
	model  []byte
}

func newModelTrainer(t *testing.T, tc *testCLI) *modelTrainer {
	t.Helper()

	output, err := common.NewLocalBlobStoreFactory(tc.dataDir)("my-bucket")
	require.NoError(t, err)
	return &modelTrainer{TrainerMock: tc.trainer, output: output, model: modelArchive(t)}
}

func (m *modelTrainer) WaitTrainingJob(ctx context.Context, jobName string) (*client.TrainingJobStatus, error) {
	status, err := m.TrainerMock.WaitTrainingJob(ctx, jobName)
	if err != nil || status.Status != client.JobStatusCompleted {
		return status, err
	}
	key := fmt.Sprintf("output/%s/output/%s", jobName, common.ModelArchiveName)
	if err := m.output.Put(ctx, key, bytes.NewReader(m.model), int64(len(m.model))); err != nil {
		return nil, err
	}
	return status, nil
}

func modelArchive(t *testing.T) []byte {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, common.DefaultModelPath), []byte("weights"), 0644))
	var archive bytes.Buffer
	require.NoError(t, common.PackTarGz(&archive, dir, common.DefaultModelPath))
	return archive.Bytes()
}

// putSampleData publishes the MNIST files under s3://sample-data/mnist
func (tc *testCLI) putSampleData(t *testing.T) {
	t.Helper()

	public, err := common.NewLocalBlobStoreFactory(tc.dataDir)("sample-data")
	require.NoError(t, err)
	for _, name := range common.DefaultDatasetFiles {
		require.NoError(t, public.Put(context.Background(), "mnist/"+name, bytes.NewBufferString(name), -1))
	}
}

func writeEntryPoint(t *testing.T) string {
	t.Helper()

	entryPoint := filepath.Join(t.TempDir(), common.DefaultEntryPoint)
	require.NoError(t, os.WriteFile(entryPoint, []byte("print('training')"), 0644))
	return entryPoint
}

func TestRunCommand(t *testing.T) {
	tc := newTestCLI(t)
	tc.putSampleData(t)
	trainer := newModelTrainer(t, tc)
	tc.cli.newPipeline = func(conf *common.RunnerConfig, logger zerolog.Logger) (*pipeline.Pipeline, error) {
		return pipeline.NewPipeline(common.NewLocalBlobStoreFactory(conf.DataDir), trainer, &pipeline.CommandEvaluator{}, conf.Region, conf.Trainer.ImageAccount, conf.WorkDir), nil
	}

	configFile := filepath.Join(t.TempDir(), "trainctl.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
eval:
  command:
    - sh
    - -c
    - |-
      test -f "$EVAL_MODEL_PATH" && test -f "$EVAL_DATA_DIR/eval_data.npy" && printf '{"accuracy": 0.97}' > "$EVAL_METRICS_PATH"
`), 0644))

	workDir := t.TempDir()
	err := tc.execute("run",
		"--config", configFile,
		"--work-dir", workDir,
		"--source", "s3://sample-data/mnist",
		"--entry-point", writeEntryPoint(t),
		"--role-arn", "arn:aws:iam::123456789012:role/SageMakerRole",
	)
	require.NoError(t, err)

	var result common.RunResult
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &result))
	assert.Equal(t, common.TaskStatusDone, result.Status)
	assert.Equal(t, 0.97, result.Metrics["accuracy"])
	assert.Equal(t, fmt.Sprintf("s3://my-bucket/output/%s/output/%s", result.JobName, common.ModelArchiveName), result.ModelArtifact)

	require.Len(t, tc.trainer.Requests, 1)
	assert.Equal(t, "s3://my-bucket/data/mnist", tc.trainer.Requests[0].InputURI)
	assert.FileExists(t, filepath.Join(tc.dataDir, "my-bucket", "data", "mnist", "train_data.npy"))

	// Work files are gone once the run is over
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCommandJobFailure(t *testing.T) {
	tc := newTestCLI(t)
	tc.putSampleData(t)
	tc.trainer.FinalStatus = client.JobStatusFailed
	tc.trainer.FailureReason = "AlgorithmError: out of memory"

	err := tc.execute("run",
		"--work-dir", t.TempDir(),
		"--source", "s3://sample-data/mnist",
		"--entry-point", writeEntryPoint(t),
		"--role-arn", "arn:aws:iam::123456789012:role/SageMakerRole",
	)
	require.Error(t, err)

	// The result is printed even when the run fails
	var result common.RunResult
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &result))
	assert.Equal(t, common.TaskStatusFailed, result.Status)
	assert.Contains(t, result.Failure, "AlgorithmError")
}

func TestSubmitCommand(t *testing.T) {
	tc := newTestCLI(t)

	err := tc.execute("submit",
		"--entry-point", writeEntryPoint(t),
		"--role-arn", "arn:aws:iam::123456789012:role/SageMakerRole",
		"--channel", "s3://my-bucket/other/mnist",
	)
	require.NoError(t, err)

	var status client.TrainingJobStatus
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &status))
	assert.Equal(t, client.JobStatusCompleted, status.Status)

	require.Len(t, tc.trainer.Requests, 1)
	req := tc.trainer.Requests[0]
	assert.Equal(t, status.JobName, req.JobName)
	assert.Equal(t, "s3://my-bucket/other/mnist", req.InputURI)
	assert.FileExists(t, filepath.Join(tc.dataDir, "my-bucket", "output", req.JobName, "source", "sourcedir.tar.gz"))
}

func TestSubmitCommandJobFailure(t *testing.T) {
	tc := newTestCLI(t)
	tc.trainer.FinalStatus = client.JobStatusFailed
	tc.trainer.FailureReason = "ClientError: no data"

	err := tc.execute("submit",
		"--entry-point", writeEntryPoint(t),
		"--role-arn", "arn:aws:iam::123456789012:role/SageMakerRole",
	)
	require.Error(t, err)

	var status client.TrainingJobStatus
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &status))
	assert.Equal(t, client.JobStatusFailed, status.Status)
	assert.Equal(t, "ClientError: no data", status.FailureReason)
}

func TestFetchCommand(t *testing.T) {
	tc := newTestCLI(t)
	jobName := "tf-mnist-2024-03-07-09-05-02-042"

	output, err := common.NewLocalBlobStoreFactory(tc.dataDir)("my-bucket")
	require.NoError(t, err)
	archive := modelArchive(t)
	require.NoError(t, output.Put(context.Background(), "output/"+jobName+"/output/"+common.ModelArchiveName, bytes.NewReader(archive), int64(len(archive))))

	dir := t.TempDir()
	require.NoError(t, tc.execute("fetch", jobName, "--dir", dir))

	var out struct {
		ModelDir string   `json:"model_dir"`
		Files    []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &out))
	assert.Equal(t, filepath.Join(dir, pipeline.ModelFolder), out.ModelDir)
	assert.Contains(t, out.Files, common.DefaultModelPath)
	assert.FileExists(t, filepath.Join(out.ModelDir, common.DefaultModelPath))

	assert.Error(t, newTestCLI(t).execute("fetch", "unknown-job", "--dir", t.TempDir()))
}

func TestEnqueueThroughRunsAPI(t *testing.T) {
	var received common.TrainingRun
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, client.RunsListRoute, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		received.Status = common.TaskStatusPending
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(received)
	}))
	defer server.Close()

	tc := newTestCLI(t)
	err := tc.execute("enqueue", "--runs-api-url", server.URL, "--role-arn", "arn:aws:iam::123456789012:role/SageMakerRole")
	require.NoError(t, err)

	var created common.TrainingRun
	require.NoError(t, json.Unmarshal(tc.out.Bytes(), &created))
	assert.Equal(t, received.ID, created.ID)
	assert.Equal(t, common.TaskStatusPending, created.Status)
	assert.Equal(t, "arn:aws:iam::123456789012:role/SageMakerRole", received.Job.RoleARN)
}

func TestEnqueueInvalidRun(t *testing.T) {
	// No role, no run
	assert.Error(t, newTestCLI(t).execute("enqueue", "--runs-api-url", "http://localhost:1"))
}

func TestEnqueueToProducer(t *testing.T) {
	producer := common.NewProducerMock()
	run := common.NewTrainingRun(common.Dataset{}, common.JobDescriptor{}, common.EvalSpec{})

	var printed interface{}
	require.NoError(t, enqueue(producer, run, func(v interface{}) error {
		printed = v
		return nil
	}))
	require.Len(t, producer.Messages[common.TrainTopic], 1)
	assert.Equal(t, run, printed)

	var pushed common.TrainingRun
	require.NoError(t, json.Unmarshal(producer.Messages[common.TrainTopic][0], &pushed))
	assert.Equal(t, run.ID, pushed.ID)
}
