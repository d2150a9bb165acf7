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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

func TestNewConsumerConfig(t *testing.T) {
	conf, err := NewConsumerConfig([]string{
		"--nsqlookupd-urls", "lookupd-1:4161,lookupd-2:4161",
		"--train-parallelism", "4",
		"--train-timeout", "6h",
		"--blobstore", common.BlobStoreLocal,
		"--data-dir", "/srv/blobs",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"lookupd-1:4161", "lookupd-2:4161"}, conf.Broker.LookupdURLs)
	assert.Equal(t, 4, conf.Broker.Parallelism)
	assert.Equal(t, 6*time.Hour, conf.Broker.TaskTimeout)
	assert.Equal(t, common.BlobStoreLocal, conf.BlobStore)
	assert.Equal(t, "/srv/blobs", conf.DataDir)
	assert.Equal(t, "/data/runs", conf.WorkDir)
	assert.Equal(t, "compute", conf.Broker.Channel)
}

func TestNewConsumerConfigFileAndEnv(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "compute.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
runs_api:
  url: http://runs-api:8000
  user: worker
broker:
  channel: gpu
trainer:
  waiter_delay: 1m
`), 0644))
	t.Setenv(EnvPrefix+"RUNS_API__PASSWORD", "s3cr3t")

	conf, err := NewConsumerConfig([]string{"--config", configFile, "--channel", "cpu"})
	require.NoError(t, err)

	assert.Equal(t, configFile, conf.ConfigFile)
	assert.Equal(t, "http://runs-api:8000", conf.RunsAPI.URL)
	assert.Equal(t, "worker", conf.RunsAPI.User)
	assert.Equal(t, "s3cr3t", conf.RunsAPI.Password)
	assert.Equal(t, "cpu", conf.Broker.Channel)
	assert.Equal(t, time.Minute, conf.Trainer.WaiterDelay)
}

func TestNewConsumerConfigInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--train-parallelism", "0"},
		{"--train-timeout", "0s"},
		{"--blobstore", "gcs"},
		{"--unknown-flag"},
	} {
		_, err := NewConsumerConfig(args)
		assert.Error(t, err, "%v", args)
	}
}
