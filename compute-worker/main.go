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
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/MorpheoOrg/sagemaker-runner/client"
	"github.com/MorpheoOrg/sagemaker-runner/common"
	"github.com/MorpheoOrg/sagemaker-runner/pipeline"
)

func main() {
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	conf, err := NewConsumerConfig(os.Args[1:])
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger, err := common.NewLogger(os.Stderr, conf.Log.Level, conf.Log.Format)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Invalid logging configuration")
	}
	logger = logger.With().Str("service", "compute-worker").Logger()

	// And with the runs API
	var runs client.Runs
	if conf.RunsAPI.URL != "" {
		runs = client.NewRunsAPI(conf.RunsAPI.URL, conf.RunsAPI.User, conf.RunsAPI.Password)
	} else {
		logger.Warn().Msg("No runs API URL provided, using the runs API mock")
		runs = client.NewRunsAPIMock(logger)
	}

	// Let's hook to SageMaker, our blob store and container runtime
	runner, err := pipeline.NewFromConfig(&conf.RunnerConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot set up the training pipeline")
	}

	worker := NewWorker(runner, runs)

	// Let's hook with our consumer
	consumer := common.NewNSQConsumer(conf.Broker.LookupdURLs, conf.Broker.Channel, conf.Broker.PollInterval, conf.Broker.MaxAttempts, logger)

	// Wire our message handlers
	err = consumer.AddHandler(common.TrainTopic, worker.HandleTrain, conf.Broker.Parallelism, conf.Broker.TaskTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot add training handler")
	}

	// Let's connect for real and start pulling tasks
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	consumer.ConsumeUntilKilled(ctx)

	logger.Info().Msg("Consumer has been gracefully stopped... Bye bye!")
}
