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
	"fmt"

	"github.com/rs/zerolog"

	"github.com/MorpheoOrg/sagemaker-runner/client"
	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// NewFromConfig wires a Pipeline to the blob store, SageMaker and (for container evaluations)
// Docker, as configured
func NewFromConfig(conf *common.RunnerConfig, logger zerolog.Logger) (*Pipeline, error) {
	if err := conf.Check(); err != nil {
		return nil, fmt.Errorf("[pipeline] Invalid configuration: %w", err)
	}

	sess, err := common.NewAWSSession(conf.Region)
	if err != nil {
		return nil, err
	}

	var stores common.BlobStoreFactory
	switch conf.BlobStore {
	case common.BlobStoreLocal:
		stores = common.NewLocalBlobStoreFactory(conf.DataDir)
	case common.BlobStoreS3:
		stores = common.NewS3BlobStoreFactory(sess)
	}

	evaluator := &AutoEvaluator{Host: &CommandEvaluator{}}
	runtime, err := common.NewDockerRuntime(conf.Docker.Host, conf.Docker.Timeout, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Docker is unavailable, evaluations will run on the host only")
	} else {
		evaluator.Container = &DockerEvaluator{Runtime: runtime}
	}

	trainer := client.NewSageMakerTrainer(sess, conf.Trainer.WaiterDelay, conf.Trainer.WaiterMaxAttempts, logger)

	p := NewPipeline(stores, trainer, evaluator, conf.Region, conf.Trainer.ImageAccount, conf.WorkDir)
	p.KeepWorkDir = conf.KeepWorkDir
	return p, nil
}
