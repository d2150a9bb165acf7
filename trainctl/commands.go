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
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MorpheoOrg/sagemaker-runner/client"
	"github.com/MorpheoOrg/sagemaker-runner/common"
	"github.com/MorpheoOrg/sagemaker-runner/pipeline"
)

func (c *cli) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stage the dataset, train, retrieve the model and evaluate it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}

			run := common.NewTrainingRun(c.conf.Dataset, c.conf.Job, c.conf.Eval)
			if err := run.Check(); err != nil {
				return fmt.Errorf("invalid run: %w", err)
			}

			result, err := p.Run(cmd.Context(), run, func(ctx context.Context, status string) error {
				c.logger.Info().Str("run", run.ID.String()).Str("status", status).Msg("Status update")
				return nil
			})
			if perr := c.print(result); perr != nil {
				return perr
			}
			return err
		},
	}
}

func (c *cli) stageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stage",
		Short: "Copy the dataset files to their destination prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}
			channel, err := p.Stage(cmd.Context(), c.conf.Dataset)
			if err != nil {
				return err
			}
			return c.print(map[string]string{"channel": channel})
		},
	}
}

func (c *cli) submitCommand() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a training job and wait for it to be over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}
			if channel == "" {
				channel = c.conf.Dataset.Destination
			}
			status, err := p.Submit(cmd.Context(), c.conf.Job, channel)
			if status != nil {
				if perr := c.print(status); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "Training data prefix (defaults to the dataset destination)")
	return cmd
}

func (c *cli) fetchCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "fetch <job-name>",
		Short: "Download and extract the model archive of a training job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = filepath.Join(c.conf.WorkDir, args[0])
			}
			modelDir, files, err := p.Retrieve(cmd.Context(), c.conf.Job.OutputPath, args[0], dir)
			if err != nil {
				return err
			}
			return c.print(map[string]interface{}{"model_dir": modelDir, "files": files})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Download directory (defaults to <work dir>/<job name>)")
	return cmd
}

func (c *cli) evaluateCommand() *cobra.Command {
	var modelDir, dataDir, outputDir string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score an extracted model with the evaluation routines of the entry point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}
			if modelDir == "" {
				return fmt.Errorf("--model-dir is required")
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(modelDir), pipeline.DataFolder)
				if err := p.FetchEvalData(cmd.Context(), c.conf.Dataset, dataDir); err != nil {
					return err
				}
			}
			if outputDir == "" {
				outputDir = filepath.Join(filepath.Dir(modelDir), pipeline.OutputFolder)
			}

			sourceDir := c.conf.Job.SourceDir
			if sourceDir == "" {
				sourceDir = filepath.Dir(c.conf.Job.EntryPoint)
			}
			metrics, err := p.Evaluate(cmd.Context(), c.conf.Eval, sourceDir, modelDir, dataDir, outputDir)
			if err != nil {
				return err
			}
			return c.print(metrics)
		},
	}
	cmd.Flags().StringVar(&modelDir, "model-dir", "", "Directory the model archive was extracted to")
	cmd.Flags().StringVar(&dataDir, "eval-data-dir", "", "Directory holding the evaluation files (fetched from the dataset destination if unset)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory the metrics file is written to")
	return cmd
}

func (c *cli) describeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <job-name>",
		Short: "Print the status of a training job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.pipeline()
			if err != nil {
				return err
			}
			status, err := p.Trainer.DescribeTrainingJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.print(status)
		},
	}
}

func (c *cli) enqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a run for the compute workers, through the runs API or straight to nsqd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run := common.NewTrainingRun(c.conf.Dataset, c.conf.Job, c.conf.Eval)
			if err := run.Check(); err != nil {
				return fmt.Errorf("invalid run: %w", err)
			}

			if c.conf.RunsAPI.URL != "" {
				runs := client.NewRunsAPI(c.conf.RunsAPI.URL, c.conf.RunsAPI.User, c.conf.RunsAPI.Password)
				created, err := runs.CreateRun(cmd.Context(), run)
				if err != nil {
					return err
				}
				return c.print(created)
			}

			producer, err := common.NewNSQProducer(c.conf.Broker.NsqdHost, c.conf.Broker.NsqdPort, c.logger)
			if err != nil {
				return err
			}
			defer producer.Stop()

			run.Status = common.TaskStatusPending
			return enqueue(producer, run, c.print)
		},
	}
}

func enqueue(producer common.Producer, run *common.TrainingRun, output func(interface{}) error) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("error marshaling run %s: %w", run.ID, err)
	}
	if err := producer.Push(common.TrainTopic, body); err != nil {
		return err
	}
	return output(run)
}
