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
	"fmt"

	"github.com/spf13/pflag"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// EnvPrefix prefixes the environment variables the worker reads its configuration from
const EnvPrefix = "COMPUTE_"

// ConsumerConfig holds the consumer configuration: where to pull runs from, where to report them
// and how to execute them
type ConsumerConfig struct {
	common.RunnerConfig

	ConfigFile string
}

var flagKeys = map[string]string{
	"nsqlookupd-urls":   "broker.lookupd_urls",
	"channel":           "broker.channel",
	"lookup-interval":   "broker.poll_interval",
	"train-parallelism": "broker.parallelism",
	"train-timeout":     "broker.task_timeout",
	"max-attempts":      "broker.max_attempts",

	"runs-api-url":      "runs_api.url",
	"runs-api-user":     "runs_api.user",
	"runs-api-password": "runs_api.password",

	"region":        "region",
	"blobstore":     "blobstore",
	"data-dir":      "data_dir",
	"work-dir":      "work_dir",
	"keep-work-dir": "keep_work_dir",
	"image-account": "trainer.image_account",
	"waiter-delay":  "trainer.waiter_delay",

	"docker-host":    "docker.host",
	"docker-timeout": "docker.timeout",

	"log-level":  "log.level",
	"log-format": "log.format",
}

// NewConsumerConfig parses CLI flags, merges them with the configuration file and the environment
// and validates the resulting ConsumerConfig
func NewConsumerConfig(args []string) (conf *ConsumerConfig, err error) {
	defaults := common.DefaultRunnerConfig()
	defaults.WorkDir = "/data/runs"

	flags := pflag.NewFlagSet("compute-worker", pflag.ContinueOnError)
	configFile := flags.String("config", "", "YAML configuration file")

	// CLI Flags
	flags.StringSlice("nsqlookupd-urls", defaults.Broker.LookupdURLs, "URL(s) of NSQLookupd instances to connect to")
	flags.String("channel", defaults.Broker.Channel, "The channel to use")
	flags.Duration("lookup-interval", defaults.Broker.PollInterval, "The interval at which nsqlookupd will be polled")
	flags.Int("train-parallelism", defaults.Broker.Parallelism, "Number of training runs that this worker can execute in parallel.")
	flags.Duration("train-timeout", defaults.Broker.TaskTimeout, "After this delay, training runs are timed out")
	flags.Uint16("max-attempts", defaults.Broker.MaxAttempts, "Number of times a run is attempted before being given up")

	flags.String("runs-api-url", "", "URL of the runs API to send notifications to (leave blank to use the runs API Mock)")
	flags.String("runs-api-user", "", "Basic auth user of the runs API")
	flags.String("runs-api-password", "", "Basic auth password of the runs API")

	flags.String("region", defaults.Region, "AWS region")
	flags.String("blobstore", defaults.BlobStore, "Blob store: 's3' or 'local'")
	flags.String("data-dir", defaults.DataDir, "Root directory of the local blob store")
	flags.String("work-dir", defaults.WorkDir, "Directory run files are downloaded to")
	flags.Bool("keep-work-dir", false, "Keep run files once runs are over")
	flags.String("image-account", defaults.Trainer.ImageAccount, "Account owning the framework training images")
	flags.Duration("waiter-delay", defaults.Trainer.WaiterDelay, "Interval between two training job status polls")

	flags.String("docker-host", "", "URI of the Docker daemon to run evaluation containers (defaults to the environment)")
	flags.Duration("docker-timeout", defaults.Docker.Timeout, "Docker commands timeout (concerns pulls, runs, etc...)")

	flags.String("log-level", defaults.Log.Level, "Log level")
	flags.String("log-format", defaults.Log.Format, "Log format: 'json' or 'console'")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	conf = &ConsumerConfig{ConfigFile: *configFile}
	err = common.LoadConfig(common.ConfigSource{
		Defaults:  defaults,
		File:      *configFile,
		EnvPrefix: EnvPrefix,
		Flags:     flags,
		FlagKeys:  flagKeys,
	}, &conf.RunnerConfig)
	if err != nil {
		return nil, err
	}

	if err := conf.Check(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Check validates the broker settings on top of the runner ones
func (c *ConsumerConfig) Check() error {
	if err := c.RunnerConfig.Check(); err != nil {
		return err
	}
	if len(c.Broker.LookupdURLs) == 0 {
		return fmt.Errorf("at least one nsqlookupd URL is required")
	}
	if c.Broker.Parallelism < 1 {
		return fmt.Errorf("train parallelism must be at least 1 (provided: %d)", c.Broker.Parallelism)
	}
	if c.Broker.TaskTimeout <= 0 {
		return fmt.Errorf("train timeout must be positive (provided: %s)", c.Broker.TaskTimeout)
	}
	return nil
}
