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
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// Environment variables the evaluation routines read their inputs from
const (
	EnvModelPath   = "EVAL_MODEL_PATH"
	EnvDataDir     = "EVAL_DATA_DIR"
	EnvMetricsPath = "EVAL_METRICS_PATH"
)

// Container side locations used by DockerEvaluator
const (
	ContainerCodeDir   = "/opt/ml/code"
	ContainerModelDir  = "/opt/ml/model"
	ContainerDataDir   = "/opt/ml/input/data/eval"
	ContainerOutputDir = "/opt/ml/output"
)

// maxOutputTail is how much of the evaluation output is kept in error messages
const maxOutputTail = 2048

// EvalRequest gathers the local directories an evaluation works with
type EvalRequest struct {
	// SourceDir holds the entry point and the evaluation routines shipped with it
	SourceDir string
	ModelDir  string
	DataDir   string
	// OutputDir receives the metrics file
	OutputDir string
}

// abs returns a copy of the request with absolute directories
func (r EvalRequest) abs() (EvalRequest, error) {
	for _, dir := range []*string{&r.SourceDir, &r.ModelDir, &r.DataDir, &r.OutputDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return r, fmt.Errorf("[evaluator] Error resolving %s: %w", *dir, err)
		}
		*dir = abs
	}
	return r, nil
}

// Evaluator runs the evaluation routines defined alongside the entry point. They load the arrays
// of the data directory, score the model file and write the metrics as a flat JSON object of
// numbers.
type Evaluator interface {
	Evaluate(ctx context.Context, spec common.EvalSpec, req EvalRequest) error
}

// ReadMetrics parses the metrics file written by the evaluation routines
func ReadMetrics(path string) (common.Metrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("[evaluator] Error opening metrics file %s: %w", path, err)
	}
	defer f.Close()

	var metrics common.Metrics
	if err := json.NewDecoder(f).Decode(&metrics); err != nil {
		return nil, fmt.Errorf("[evaluator] Error decoding metrics file %s: %w", path, err)
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("[evaluator] Metrics file %s is empty", path)
	}
	return metrics, nil
}

// CommandEvaluator runs the evaluation command on the local host, from the source directory
type CommandEvaluator struct{}

// Evaluate runs spec.Command and fails if it exits with a non-zero code
func (e *CommandEvaluator) Evaluate(ctx context.Context, spec common.EvalSpec, req EvalRequest) error {
	logger := zerolog.Ctx(ctx)

	// The command doesn't run from the current directory, relative paths would point elsewhere
	req, err := req.abs()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = req.SourceDir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvModelPath, filepath.Join(req.ModelDir, filepath.FromSlash(spec.ModelPath))),
		fmt.Sprintf("%s=%s", EnvDataDir, req.DataDir),
		fmt.Sprintf("%s=%s", EnvMetricsPath, filepath.Join(req.OutputDir, spec.MetricsFile)),
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.Info().Strs("command", spec.Command).Str("dir", req.SourceDir).Msg("Running evaluation command")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("[evaluator] Command %v failed: %w -- Output: %s", spec.Command, err, tail(output.Bytes()))
	}
	logger.Debug().Str("output", output.String()).Msg("Evaluation command output")
	return nil
}

// DockerEvaluator runs the evaluation command in an untrusted, network isolated container of
// spec.Image (the framework image the model was trained with)
type DockerEvaluator struct {
	Runtime common.ContainerRuntime
}

// Evaluate pulls the image and runs spec.Command in it, the request directories being bind mounted
func (e *DockerEvaluator) Evaluate(ctx context.Context, spec common.EvalSpec, req EvalRequest) error {
	image := spec.Image
	if image == "" {
		return fmt.Errorf("[evaluator] No image to run the evaluation in")
	}

	req, err := req.abs()
	if err != nil {
		return err
	}
	mounts := map[string]string{
		req.SourceDir: ContainerCodeDir,
		req.ModelDir:  ContainerModelDir,
		req.DataDir:   ContainerDataDir,
		req.OutputDir: ContainerOutputDir,
	}

	if err := e.Runtime.ImagePull(ctx, image); err != nil {
		return err
	}

	var logs bytes.Buffer
	exitCode, err := e.Runtime.RunImageInUntrustedContainer(ctx, common.ContainerRun{
		Image: image,
		Args:  spec.Command,
		Env: map[string]string{
			EnvModelPath:   path.Join(ContainerModelDir, spec.ModelPath),
			EnvDataDir:     ContainerDataDir,
			EnvMetricsPath: path.Join(ContainerOutputDir, spec.MetricsFile),
		},
		Mounts:  mounts,
		WorkDir: ContainerCodeDir,
		Logs:    &logs,
	})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("[evaluator] Evaluation container exited with code %d -- Output: %s", exitCode, tail(logs.Bytes()))
	}
	return nil
}

// AutoEvaluator runs evaluations in a container when the eval spec names an image, on the host
// otherwise
type AutoEvaluator struct {
	Host      Evaluator
	Container Evaluator
}

// Evaluate dispatches to the host or container evaluator
func (e *AutoEvaluator) Evaluate(ctx context.Context, spec common.EvalSpec, req EvalRequest) error {
	if spec.Image == "" {
		return e.Host.Evaluate(ctx, spec, req)
	}
	if e.Container == nil {
		return fmt.Errorf("[evaluator] No container runtime to run image %s", spec.Image)
	}
	return e.Container.Evaluate(ctx, spec, req)
}

func tail(output []byte) string {
	if len(output) > maxOutputTail {
		output = output[len(output)-maxOutputTail:]
	}
	return string(bytes.TrimSpace(output))
}
