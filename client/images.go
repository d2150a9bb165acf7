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

package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxJobNameLength is the longest training job name the service accepts
const MaxJobNameLength = 63

// Script mode hyperparameters understood by the framework training containers
const (
	HyperparameterProgram         = "sagemaker_program"
	HyperparameterSubmitDirectory = "sagemaker_submit_directory"
	HyperparameterRegion          = "sagemaker_region"
	HyperparameterLogLevel        = "sagemaker_container_log_level"
	HyperparameterJobName         = "sagemaker_job_name"
	HyperparameterModelDir        = "model_dir"
	HyperparameterParameterServer = "sagemaker_parameter_server_enabled"
)

// TrainingChannel is the input channel the staged data is exposed under in the training container
const TrainingChannel = "training"

// FrameworkImageURI returns the deep learning container image for a framework release:
// <account>.dkr.ecr.<region>.amazonaws.com/<framework>-training:<version>-<cpu|gpu>-<py>
func FrameworkImageURI(account, region, framework, version, pyVersion, instanceType string) (string, error) {
	if account == "" || region == "" || framework == "" || version == "" {
		return "", fmt.Errorf("[images] account, region, framework and version are required to resolve an image")
	}

	domain := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		domain = "amazonaws.com.cn"
	}

	tag := fmt.Sprintf("%s-%s", version, processorType(instanceType))
	if pyVersion != "" {
		tag = fmt.Sprintf("%s-%s", tag, pyVersion)
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.%s/%s-training:%s", account, region, domain, framework, tag), nil
}

// processorType tells whether an instance type comes with GPUs (ml.p* and ml.g* families)
func processorType(instanceType string) string {
	family := strings.TrimPrefix(instanceType, "ml.")
	if strings.HasPrefix(family, "p") || strings.HasPrefix(family, "g") {
		return "gpu"
	}
	return "cpu"
}

// JobName appends a millisecond timestamp to prefix. The prefix is truncated so that the name fits
// MaxJobNameLength and doesn't end with a dash.
func JobName(prefix string, t time.Time) string {
	t = t.UTC()
	timestamp := fmt.Sprintf("%s-%03d", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond))

	maxPrefix := MaxJobNameLength - len(timestamp) - 1
	if len(prefix) > maxPrefix {
		prefix = prefix[:maxPrefix]
	}
	prefix = strings.TrimRight(prefix, "-")
	if prefix == "" {
		return timestamp
	}
	return fmt.Sprintf("%s-%s", prefix, timestamp)
}

// ScriptModeParams are the settings script mode training containers read from hyperparameters
type ScriptModeParams struct {
	EntryPoint      string
	SubmitDirectory string
	Region          string
	JobName         string
	ModelDir        string
	ParameterServer bool
}

// ScriptModeHyperparameters merges user hyperparameters with the script mode ones. Every value is
// JSON-encoded, user values being strings unless they already are valid JSON.
func ScriptModeHyperparameters(params ScriptModeParams, user map[string]string) (map[string]string, error) {
	hyperparameters := make(map[string]string, len(user)+7)
	for k, v := range user {
		if json.Valid([]byte(v)) {
			hyperparameters[k] = v
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("[images] Error encoding hyperparameter %s: %w", k, err)
		}
		hyperparameters[k] = string(encoded)
	}

	reserved := map[string]interface{}{
		HyperparameterProgram:         params.EntryPoint,
		HyperparameterSubmitDirectory: params.SubmitDirectory,
		HyperparameterRegion:          params.Region,
		HyperparameterLogLevel:        20,
		HyperparameterJobName:         params.JobName,
		HyperparameterModelDir:        params.ModelDir,
		HyperparameterParameterServer: params.ParameterServer,
	}
	for k, v := range reserved {
		if _, ok := user[k]; ok {
			return nil, fmt.Errorf("[images] Hyperparameter %s is reserved", k)
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("[images] Error encoding hyperparameter %s: %w", k, err)
		}
		hyperparameters[k] = string(encoded)
	}
	return hyperparameters, nil
}
