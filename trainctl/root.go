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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MorpheoOrg/sagemaker-runner/common"
	"github.com/MorpheoOrg/sagemaker-runner/pipeline"
)

// EnvPrefix prefixes the environment variables trainctl reads its configuration from
const EnvPrefix = "TRAINCTL_"

// flagKeys maps command line flags to configuration keys
var flagKeys = map[string]string{
	"region":        "region",
	"blobstore":     "blobstore",
	"data-dir":      "data_dir",
	"work-dir":      "work_dir",
	"keep-work-dir": "keep_work_dir",
	"log-level":     "log.level",
	"log-format":    "log.format",

	"source":      "dataset.source",
	"destination": "dataset.destination",
	"files":       "dataset.files",
	"eval-files":  "dataset.eval_files",

	"entry-point":       "job.entry_point",
	"source-dir":        "job.source_dir",
	"framework":         "job.framework",
	"framework-version": "job.framework_version",
	"py-version":        "job.py_version",
	"image-uri":         "job.image_uri",
	"instance-type":     "job.instance_type",
	"instance-count":    "job.instance_count",
	"output-path":       "job.output_path",
	"job-name-prefix":   "job.job_name_prefix",
	"role-arn":          "job.role_arn",
	"max-runtime":       "job.max_runtime",

	"eval-image":   "eval.image",
	"eval-command": "eval.command",
	"model-path":   "eval.model_path",
	"metrics-file": "eval.metrics_file",

	"runs-api-url": "runs_api.url",
	"nsqd-host":    "broker.nsqd_host",
	"nsqd-port":    "broker.nsqd_port",
}

// cli holds what every subcommand shares once the configuration is loaded
type cli struct {
	configFile string
	conf       common.RunnerConfig
	logger     zerolog.Logger
	out        io.Writer
	errOut     io.Writer

	// newPipeline is swapped in tests
	newPipeline func(conf *common.RunnerConfig, logger zerolog.Logger) (*pipeline.Pipeline, error)
}

// NewRootCommand builds the trainctl command tree, writing results to out and logs to errOut
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{
		out:         out,
		errOut:      errOut,
		newPipeline: pipeline.NewFromConfig,
	}
	return c.rootCommand()
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "trainctl",
		Short:         "Stage data, train on SageMaker, retrieve and evaluate the resulting model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "YAML configuration file")
	flags.String("region", common.DefaultRegion, "AWS region")
	flags.String("blobstore", common.BlobStoreS3, "Blob store: 's3' or 'local'")
	flags.String("data-dir", "/data", "Root directory of the local blob store (one sub-directory per bucket)")
	flags.String("work-dir", os.TempDir(), "Directory run files are downloaded to")
	flags.Bool("keep-work-dir", false, "Keep run files once the run is over")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", common.LogFormatConsole, "Log format: 'json' or 'console'")

	flags.String("source", "", "Source prefix of the dataset (s3://bucket/prefix)")
	flags.String("destination", "", "Prefix the dataset is staged to (s3://bucket/prefix)")
	flags.StringSlice("files", nil, "Dataset files")
	flags.StringSlice("eval-files", nil, "Dataset files used for evaluation")

	flags.String("entry-point", "", "Training script")
	flags.String("source-dir", "", "Directory packaged along with the training script")
	flags.String("framework", "", "Framework of the training image")
	flags.String("framework-version", "", "Framework version of the training image")
	flags.String("py-version", "", "Python version of the training image")
	flags.String("image-uri", "", "Training image (overrides framework settings)")
	flags.String("instance-type", "", "Training instance type")
	flags.Int("instance-count", 1, "Number of training instances")
	flags.String("output-path", "", "Prefix job artifacts are written to (s3://bucket/prefix)")
	flags.String("job-name-prefix", "", "Training job name prefix")
	flags.String("role-arn", "", "IAM role assumed by the training job")
	flags.Duration("max-runtime", common.DefaultMaxRuntime, "Training job time limit")

	flags.String("eval-image", "", "Run the evaluation command in this container image")
	flags.StringSlice("eval-command", nil, "Evaluation command")
	flags.String("model-path", "", "Model file path inside the model archive")
	flags.String("metrics-file", "", "Name of the metrics file written by the evaluation command")

	flags.String("runs-api-url", "", "Runs API URL (enqueue only)")
	flags.String("nsqd-host", "", "nsqd host (enqueue only)")
	flags.Int("nsqd-port", common.DefaultNsqdPort, "nsqd port (enqueue only)")

	root.AddCommand(
		c.runCommand(),
		c.stageCommand(),
		c.submitCommand(),
		c.fetchCommand(),
		c.evaluateCommand(),
		c.describeCommand(),
		c.enqueueCommand(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	c.conf = common.DefaultRunnerConfig()
	c.conf.Log.Format = common.LogFormatConsole

	err := common.LoadConfig(common.ConfigSource{
		Defaults:  c.conf,
		File:      c.configFile,
		EnvPrefix: EnvPrefix,
		Flags:     cmd.Flags(),
		FlagKeys:  flagKeys,
	}, &c.conf)
	if err != nil {
		return err
	}

	c.logger, err = common.NewLogger(c.errOut, c.conf.Log.Level, c.conf.Log.Format)
	if err != nil {
		return err
	}
	cmd.SetContext(c.logger.WithContext(cmd.Context()))
	return nil
}

func (c *cli) pipeline() (*pipeline.Pipeline, error) {
	return c.newPipeline(&c.conf, c.logger)
}

func (c *cli) print(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error writing output: %w", err)
	}
	return nil
}
