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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TrainerConfig configures the managed training service client
type TrainerConfig struct {
	// WaiterDelay is the interval between two job status polls
	WaiterDelay time.Duration `koanf:"waiter_delay"`
	// WaiterMaxAttempts bounds the number of polls (0 means until the context is done)
	WaiterMaxAttempts int `koanf:"waiter_max_attempts"`
	// ImageAccount owns the framework images in the container registry
	ImageAccount string `koanf:"image_account"`
}

// DockerConfig configures the container runtime used by container evaluators
type DockerConfig struct {
	Host    string        `koanf:"host"`
	Timeout time.Duration `koanf:"timeout"`
}

// BrokerConfig configures the NSQ producers and consumers
type BrokerConfig struct {
	NsqdHost     string        `koanf:"nsqd_host"`
	NsqdPort     int           `koanf:"nsqd_port"`
	LookupdURLs  []string      `koanf:"lookupd_urls"`
	Channel      string        `koanf:"channel"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Parallelism  int           `koanf:"parallelism"`
	TaskTimeout  time.Duration `koanf:"task_timeout"`
	MaxAttempts  uint16        `koanf:"max_attempts"`
}

// RunsAPIConfig tells workers and CLIs how to reach the runs API
type RunsAPIConfig struct {
	URL      string `koanf:"url"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// RunnerConfig holds everything needed to execute training runs, locally or from the task queue
type RunnerConfig struct {
	Region      string `koanf:"region"`
	BlobStore   string `koanf:"blobstore"`
	DataDir     string `koanf:"data_dir"`
	WorkDir     string `koanf:"work_dir"`
	KeepWorkDir bool   `koanf:"keep_work_dir"`

	Log     LogConfig     `koanf:"log"`
	Trainer TrainerConfig `koanf:"trainer"`
	Docker  DockerConfig  `koanf:"docker"`
	Broker  BrokerConfig  `koanf:"broker"`
	RunsAPI RunsAPIConfig `koanf:"runs_api"`

	Dataset Dataset       `koanf:"dataset"`
	Job     JobDescriptor `koanf:"job"`
	Eval    EvalSpec      `koanf:"eval"`
}

// Check returns nil if the configuration can drive a run
func (c *RunnerConfig) Check() error {
	if c.BlobStore != BlobStoreS3 && c.BlobStore != BlobStoreLocal {
		return fmt.Errorf("blobstore must be '%s' or '%s' (provided: %s)", BlobStoreS3, BlobStoreLocal, c.BlobStore)
	}
	if c.BlobStore == BlobStoreLocal && c.DataDir == "" {
		return fmt.Errorf("data_dir is required with the %s blob store", BlobStoreLocal)
	}
	if c.Region == "" {
		return fmt.Errorf("region is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	return nil
}

// Defaults reproducing the MNIST sample: arrays published in the region's sample data bucket, a
// TensorFlow script mode job on a single CPU instance
const (
	DefaultRegion             = "us-west-2"
	DefaultFramework          = "tensorflow"
	DefaultFrameworkVersion   = "1.15.5"
	DefaultPyVersion          = "py36"
	DefaultInstanceType       = "ml.c4.xlarge"
	DefaultJobNamePrefix      = "tf-mnist"
	DefaultEntryPoint         = "mnist.py"
	DefaultModelPath          = "my_model.h5"
	DefaultMetricsFile        = "metrics.json"
	DefaultFrameworkAccount   = "763104351884"
	DefaultWaiterDelay        = 30 * time.Second
	DefaultDockerTimeout      = 15 * time.Minute
	DefaultTaskTimeout        = 3 * time.Hour
	DefaultMaxRuntime         = 24 * time.Hour
	DefaultVolumeSizeGB       = 30
	DefaultNsqdPort           = 4150
	DefaultLookupPollInterval = 5 * time.Second
)

// DefaultRunnerConfig returns the configuration of the MNIST sample run
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Region:    DefaultRegion,
		BlobStore: BlobStoreS3,
		DataDir:   "/data",
		WorkDir:   os.TempDir(),
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatJSON,
		},
		Trainer: TrainerConfig{
			WaiterDelay:  DefaultWaiterDelay,
			ImageAccount: DefaultFrameworkAccount,
		},
		Docker: DockerConfig{
			Timeout: DefaultDockerTimeout,
		},
		Broker: DefaultBrokerConfig(),
		Dataset: Dataset{
			Source:      fmt.Sprintf("s3://sagemaker-sample-data-%s/tensorflow/mnist", DefaultRegion),
			Destination: "s3://my-bucket/data/mnist",
			Files:       DefaultDatasetFiles,
			EvalFiles:   DefaultEvalFiles,
		},
		Job: JobDescriptor{
			EntryPoint:       DefaultEntryPoint,
			Framework:        DefaultFramework,
			FrameworkVersion: DefaultFrameworkVersion,
			PyVersion:        DefaultPyVersion,
			InstanceType:     DefaultInstanceType,
			InstanceCount:    1,
			VolumeSizeGB:     DefaultVolumeSizeGB,
			MaxRuntime:       DefaultMaxRuntime,
			OutputPath:       "s3://my-bucket/output",
			JobNamePrefix:    DefaultJobNamePrefix,
		},
		Eval: EvalSpec{
			Command:     []string{"python3", "evaluate.py"},
			ModelPath:   DefaultModelPath,
			MetricsFile: DefaultMetricsFile,
		},
	}
}

// DefaultBrokerConfig returns the broker settings of a docker-compose style deployment
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		NsqdHost:     "nsqd",
		NsqdPort:     DefaultNsqdPort,
		LookupdURLs:  []string{"nsqlookupd:4161"},
		Channel:      "compute",
		PollInterval: DefaultLookupPollInterval,
		Parallelism:  1,
		TaskTimeout:  DefaultTaskTimeout,
		MaxAttempts:  1,
	}
}

// ConfigSource lists the layers LoadConfig merges, lowest priority first: defaults, the YAML file
// (if any), environment variables and the command line flags that were explicitly set.
type ConfigSource struct {
	Defaults interface{}
	File     string
	// EnvPrefix selects environment variables. PREFIX_JOB__ENTRY_POINT sets job.entry_point.
	EnvPrefix string
	Flags     *pflag.FlagSet
	// FlagKeys maps flag names to configuration keys. Flags missing from it are ignored.
	FlagKeys map[string]string
}

// LoadConfig merges the layers of src and unmarshals the result into dst
func LoadConfig(src ConfigSource, dst interface{}) error {
	k := koanf.New(".")

	if src.Defaults != nil {
		if err := k.Load(structs.Provider(src.Defaults, "koanf"), nil); err != nil {
			return fmt.Errorf("[config] Error loading defaults: %w", err)
		}
	}

	if src.File != "" {
		if err := k.Load(file.Provider(src.File), yaml.Parser()); err != nil {
			return fmt.Errorf("[config] Error loading config file %s: %w", src.File, err)
		}
	}

	if src.EnvPrefix != "" {
		err := k.Load(env.Provider(src.EnvPrefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(s, src.EnvPrefix)), "__", ".", -1)
		}), nil)
		if err != nil {
			return fmt.Errorf("[config] Error loading environment: %w", err)
		}
	}

	if src.Flags != nil {
		var err error
		src.Flags.Visit(func(f *pflag.Flag) {
			key, ok := src.FlagKeys[f.Name]
			if !ok || err != nil {
				return
			}
			if slice, isSlice := f.Value.(pflag.SliceValue); isSlice {
				err = k.Set(key, slice.GetSlice())
				return
			}
			err = k.Set(key, f.Value.String())
		})
		if err != nil {
			return fmt.Errorf("[config] Error applying command line flags: %w", err)
		}
	}

	if err := k.Unmarshal("", dst); err != nil {
		return fmt.Errorf("[config] Error decoding configuration: %w", err)
	}
	return nil
}
