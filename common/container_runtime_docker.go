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

package common

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	dockerTypes "github.com/docker/docker/api/types"
	dockerContainer "github.com/docker/docker/api/types/container"
	dockerNetwork "github.com/docker/docker/api/types/network"
	dockerCli "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// DockerRuntime implements ContainerRuntime for Docker
type DockerRuntime struct {
	timeout time.Duration
	docker  *dockerCli.Client
	logger  zerolog.Logger
}

// NewDockerRuntime creates a new Docker runtime. An empty host means the environment
// (DOCKER_HOST...) decides.
func NewDockerRuntime(host string, timeout time.Duration, logger zerolog.Logger) (*DockerRuntime, error) {
	opts := []dockerCli.Opt{dockerCli.FromEnv, dockerCli.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerCli.WithHost(host))
	}
	apiClient, err := dockerCli.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("[docker-runtime] Error creating Docker client: %w", err)
	}

	return &DockerRuntime{
		timeout: timeout,
		docker:  apiClient,
		logger:  logger.With().Str("component", "docker-runtime").Logger(),
	}, nil
}

// ImagePull pulls an image into the Docker daemon (equivalent to the "docker pull" command)
func (r *DockerRuntime) ImagePull(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	progress, err := r.docker.ImagePull(ctx, name, dockerTypes.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("[docker-runtime] Error pulling image %s: %w", name, err)
	}
	defer progress.Close()

	// The pull is only over once the progress stream has been drained
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return fmt.Errorf("[docker-runtime] Error pulling image %s: %w", name, err)
	}
	return nil
}

// ImageUnload removes an image from the Docker daemon (equivalent to the "docker rmi" command)
func (r *DockerRuntime) ImageUnload(ctx context.Context, imageID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.docker.ImageRemove(ctx, imageID, dockerTypes.ImageRemoveOptions{
		Force:         true,
		PruneChildren: false,
	})
	if err != nil {
		return fmt.Errorf("[docker-runtime] Error removing image %s: %w", imageID, err)
	}
	return nil
}

// RunImageInUntrustedContainer launch a container on the bound docker host with as many
// restrictions as possibe for our use case.
func (r *DockerRuntime) RunImageInUntrustedContainer(ctx context.Context, run ContainerRun) (int64, error) {
	containerName := uuid.NewV4().String()
	logger := r.logger.With().Str("container", containerName).Str("image", run.Image).Logger()
	logger.Info().Strs("args", run.Args).Msg("Running command in untrusted container")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	binds := make([]string, 0, len(run.Mounts))
	for hostPath, containerPath := range run.Mounts {
		binds = append(binds, fmt.Sprintf("%s:%s", hostPath, containerPath))
	}
	sort.Strings(binds)

	env := make([]string, 0, len(run.Env))
	for k, v := range run.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	created, err := r.docker.ContainerCreate(
		ctx,
		&dockerContainer.Config{
			AttachStdin:     false,
			AttachStdout:    true,
			AttachStderr:    true,
			Tty:             false,
			OpenStdin:       false,
			Env:             env,
			Cmd:             run.Args,
			Image:           run.Image,
			WorkingDir:      run.WorkDir,
			NetworkDisabled: true,
			Labels:          map[string]string{"morpheo.role": "evaluation"},
		},
		&dockerContainer.HostConfig{
			Privileged:  false,
			Binds:       binds,
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
		},
		&dockerNetwork.NetworkingConfig{},
		nil,
		containerName,
	)
	if err != nil {
		return -1, fmt.Errorf("[docker-runtime] Error creating Docker container %s: %w", containerName, err)
	}
	defer r.remove(created.ID, logger)

	// Let's log any warning that was triggered
	for n, warning := range created.Warnings {
		logger.Warn().Int("n", n).Msgf("Warning creating container: %s", warning)
	}

	if err := r.docker.ContainerStart(ctx, created.ID, dockerTypes.ContainerStartOptions{}); err != nil {
		return -1, fmt.Errorf("[docker-runtime] Error starting Docker container %s: %w", containerName, err)
	}

	// Let's wait for the command to be over
	statusCh, errCh := r.docker.ContainerWait(ctx, created.ID, dockerContainer.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("[docker-runtime] Error waiting for untrusted container %s to exit: %w", containerName, err)
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("[docker-runtime] Untrusted container %s failed: %s", containerName, status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	if run.Logs != nil {
		if err := r.copyLogs(ctx, created.ID, run.Logs); err != nil {
			logger.Warn().Err(err).Msg("Cannot retrieve container logs")
		}
	}

	logger.Info().Int64("exit_code", exitCode).Msg("Untrusted container ran command")
	return exitCode, nil
}

func (r *DockerRuntime) copyLogs(ctx context.Context, containerID string, w io.Writer) error {
	logs, err := r.docker.ContainerLogs(ctx, containerID, dockerTypes.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(w, w, logs)
	return err
}

func (r *DockerRuntime) remove(containerID string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := r.docker.ContainerRemove(ctx, containerID, dockerTypes.ContainerRemoveOptions{Force: true})
	if err != nil {
		logger.Warn().Err(err).Msg("Cannot remove container")
	}
}
