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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// TrainTopic is the task queue training runs are pushed to
const TrainTopic = "training"

// Run statuses
const (
	TaskStatusTodo       = "todo"
	TaskStatusPending    = "pending"
	TaskStatusStaging    = "staging"
	TaskStatusTraining   = "training"
	TaskStatusRetrieving = "retrieving"
	TaskStatusEvaluating = "evaluating"
	TaskStatusDone       = "done"
	TaskStatusFailed     = "failed"
)

var (
	// ValidStatuses is a set of all possible values for the "status" field
	ValidStatuses = map[string]struct{}{
		TaskStatusTodo:       {},
		TaskStatusPending:    {},
		TaskStatusStaging:    {},
		TaskStatusTraining:   {},
		TaskStatusRetrieving: {},
		TaskStatusEvaluating: {},
		TaskStatusDone:       {},
		TaskStatusFailed:     {},
	}
)

// Sample data defaults: the MNIST arrays published alongside the managed service samples
var (
	DefaultDatasetFiles = []string{"train_data.npy", "train_labels.npy", "eval_data.npy", "eval_labels.npy"}
	DefaultEvalFiles    = []string{"eval_data.npy", "eval_labels.npy"}
)

// jobNamePrefixPattern matches what the managed service accepts at the start of a job name, the
// generated timestamp being appended after a hyphen
var jobNamePrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// Checkable is an Interface for things that can be Checked (i.e. validated after a JSON parsing for
// instance)
type Checkable interface {
	Check() (err error)
}

// Dataset describes the files to stage from a (public) source prefix to a (private) destination
// prefix before training
type Dataset struct {
	Source      string   `json:"source" koanf:"source"`
	Destination string   `json:"destination" koanf:"destination"`
	Files       []string `json:"files" koanf:"files"`
	EvalFiles   []string `json:"eval_files" koanf:"eval_files"`
}

// Check returns nil if the dataset is valid, an explicit error otherwise
func (d *Dataset) Check() error {
	if _, err := ParseS3URI(d.Source); err != nil {
		return fmt.Errorf("source field: %s", err)
	}
	if _, err := ParseS3URI(d.Destination); err != nil {
		return fmt.Errorf("destination field: %s", err)
	}
	if len(d.Files) == 0 {
		return fmt.Errorf("files field is empty or unset")
	}
	files := make(map[string]struct{}, len(d.Files))
	for n, f := range d.Files {
		if f == "" {
			return fmt.Errorf("empty file name in files field at pos %d", n)
		}
		files[f] = struct{}{}
	}
	for _, f := range d.EvalFiles {
		if _, ok := files[f]; !ok {
			return fmt.Errorf("eval file %s isn't part of the staged files", f)
		}
	}
	return nil
}

// JobDescriptor holds everything the managed service needs to run a training job
type JobDescriptor struct {
	EntryPoint       string            `json:"entry_point" koanf:"entry_point"`
	SourceDir        string            `json:"source_dir,omitempty" koanf:"source_dir"`
	Framework        string            `json:"framework" koanf:"framework"`
	FrameworkVersion string            `json:"framework_version" koanf:"framework_version"`
	PyVersion        string            `json:"py_version" koanf:"py_version"`
	ImageURI         string            `json:"image_uri,omitempty" koanf:"image_uri"`
	InstanceType     string            `json:"instance_type" koanf:"instance_type"`
	InstanceCount    int               `json:"instance_count" koanf:"instance_count"`
	VolumeSizeGB     int               `json:"volume_size_gb" koanf:"volume_size_gb"`
	MaxRuntime       time.Duration     `json:"max_runtime" koanf:"max_runtime"`
	OutputPath       string            `json:"output_path" koanf:"output_path"`
	JobNamePrefix    string            `json:"job_name_prefix" koanf:"job_name_prefix"`
	RoleARN          string            `json:"role_arn" koanf:"role_arn"`
	ParameterServer  bool              `json:"parameter_server" koanf:"parameter_server"`
	Hyperparameters  map[string]string `json:"hyperparameters,omitempty" koanf:"hyperparameters"`
	Tags             map[string]string `json:"tags,omitempty" koanf:"tags"`
}

// Check returns nil if the job descriptor is valid, an explicit error otherwise
func (j *JobDescriptor) Check() error {
	if j.EntryPoint == "" {
		return fmt.Errorf("entry_point field is required")
	}
	if j.InstanceType == "" {
		return fmt.Errorf("instance_type field is required")
	}
	if j.InstanceCount < 1 {
		return fmt.Errorf("instance_count must be at least 1 (provided: %d)", j.InstanceCount)
	}
	if j.VolumeSizeGB < 1 {
		return fmt.Errorf("volume_size_gb must be at least 1 (provided: %d)", j.VolumeSizeGB)
	}
	if j.MaxRuntime < time.Second {
		return fmt.Errorf("max_runtime must be at least 1s (provided: %s)", j.MaxRuntime)
	}
	if _, err := ParseS3URI(j.OutputPath); err != nil {
		return fmt.Errorf("output_path field: %s", err)
	}
	if j.JobNamePrefix == "" {
		return fmt.Errorf("job_name_prefix field is required")
	}
	if !jobNamePrefixPattern.MatchString(j.JobNamePrefix) {
		return fmt.Errorf("job_name_prefix may only hold letters, digits and hyphens and must start with a letter or a digit (provided: %s)", j.JobNamePrefix)
	}
	if j.RoleARN == "" {
		return fmt.Errorf("role_arn field is required")
	}
	if j.ImageURI == "" && (j.Framework == "" || j.FrameworkVersion == "") {
		return fmt.Errorf("framework and framework_version fields are required when image_uri is unset")
	}
	return nil
}

// EvalSpec describes how the evaluation routines shipped with the entry point are invoked once
// the model has been retrieved. When Image is set, Command runs in that container image;
// otherwise it runs on the local host.
type EvalSpec struct {
	Image       string   `json:"image,omitempty" koanf:"image"`
	Command     []string `json:"command" koanf:"command"`
	ModelPath   string   `json:"model_path" koanf:"model_path"`
	MetricsFile string   `json:"metrics_file" koanf:"metrics_file"`
}

// Check returns nil if the eval spec is valid, an explicit error otherwise
func (e *EvalSpec) Check() error {
	if len(e.Command) == 0 {
		return fmt.Errorf("command field is empty or unset")
	}
	if e.MetricsFile == "" {
		return fmt.Errorf("metrics_file field is required")
	}
	if strings.Contains(e.MetricsFile, "/") {
		return fmt.Errorf("metrics_file must be a bare file name (provided: %s)", e.MetricsFile)
	}
	return nil
}

// Metrics are the scores computed by the evaluation routines
type Metrics map[string]float64

// Names returns the sorted metric names
func (m Metrics) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value implements driver.Valuer so that metrics can be stored as a JSON column
func (m Metrics) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan implements sql.Scanner
func (m *Metrics) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// Value implements driver.Valuer so that job descriptors can be stored as a JSON column
func (j JobDescriptor) Value() (driver.Value, error) {
	b, err := json.Marshal(j)
	return string(b), err
}

// Scan implements sql.Scanner
func (j *JobDescriptor) Scan(src interface{}) error {
	return scanJSON(src, j)
}

// Value implements driver.Valuer so that datasets can be stored as a JSON column
func (d Dataset) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	return string(b), err
}

// Scan implements sql.Scanner
func (d *Dataset) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// Value implements driver.Valuer so that eval specs can be stored as a JSON column
func (e EvalSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(e)
	return string(b), err
}

// Scan implements sql.Scanner
func (e *EvalSpec) Scan(src interface{}) error {
	return scanJSON(src, e)
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dest)
	}
}

// TrainingRun describes one execution of the whole workflow: staging, training, retrieval and
// evaluation.
type TrainingRun struct {
	ID             uuid.UUID     `json:"uuid" db:"uuid"`
	Status         string        `json:"status" db:"status"`
	Dataset        Dataset       `json:"dataset" db:"dataset"`
	Job            JobDescriptor `json:"job" db:"job"`
	Eval           EvalSpec      `json:"eval" db:"eval"`
	JobName        string        `json:"job_name,omitempty" db:"job_name"`
	ModelArtifact  string        `json:"model_artifact,omitempty" db:"model_artifact"`
	Metrics        Metrics       `json:"metrics,omitempty" db:"metrics"`
	Failure        string        `json:"failure,omitempty" db:"failure"`
	RequestDate    time.Time     `json:"timestamp_request" db:"timestamp_request"`
	CompletionDate *time.Time    `json:"timestamp_done,omitempty" db:"timestamp_done"`
}

// NewTrainingRun creates a run in the todo state
func NewTrainingRun(dataset Dataset, job JobDescriptor, eval EvalSpec) *TrainingRun {
	return &TrainingRun{
		ID:          uuid.NewV4(),
		Status:      TaskStatusTodo,
		Dataset:     dataset,
		Job:         job,
		Eval:        eval,
		RequestDate: time.Now().UTC(),
	}
}

// Check returns nil if the run is valid, an explicit error otherwise
func (r *TrainingRun) Check() error {
	if uuid.Equal(uuid.Nil, r.ID) {
		return fmt.Errorf("uuid field is required")
	}
	if _, ok := ValidStatuses[r.Status]; !ok {
		return fmt.Errorf("status field ain't valid (provided: %s, possible choices: %s)", r.Status, strings.Join(statusNames(), ", "))
	}
	if err := r.Dataset.Check(); err != nil {
		return fmt.Errorf("dataset: %s", err)
	}
	if err := r.Job.Check(); err != nil {
		return fmt.Errorf("job: %s", err)
	}
	if err := r.Eval.Check(); err != nil {
		return fmt.Errorf("eval: %s", err)
	}
	return nil
}

// RunResult is what a worker reports once a run is over
type RunResult struct {
	Status        string  `json:"status"`
	JobName       string  `json:"job_name,omitempty"`
	ModelArtifact string  `json:"model_artifact,omitempty"`
	Metrics       Metrics `json:"metrics,omitempty"`
	Failure       string  `json:"failure,omitempty"`
}

// Check returns nil if the result carries a terminal status
func (r *RunResult) Check() error {
	if r.Status != TaskStatusDone && r.Status != TaskStatusFailed {
		return fmt.Errorf("status must be %s or %s (provided: %s)", TaskStatusDone, TaskStatusFailed, r.Status)
	}
	if r.Status == TaskStatusFailed && r.Failure == "" {
		return fmt.Errorf("failure field is required for failed runs")
	}
	return nil
}

func statusNames() []string {
	names := make([]string, 0, len(ValidStatuses))
	for status := range ValidStatuses {
		names = append(names, status)
	}
	sort.Strings(names)
	return names
}

// APIError wraps errors sent back by the HTTP API
type APIError struct {
	Message string `json:"error"`
}

// NewAPIError creates an APIError object, given an error message
func NewAPIError(message string) (err *APIError) {
	return &APIError{
		Message: message,
	}
}

// Error returns the error message as a string
func (err *APIError) Error() string {
	return err.Message
}

// TaskError describes an error happening in the consumer that indicates the errord task can be
// retried (if the retry limit hasn't been reached)
type TaskError struct {
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError wraps err in a TaskError carrying a formatted message
func NewTaskError(err error, format string, args ...interface{}) *TaskError {
	return &TaskError{Message: fmt.Sprintf(format, args...), Err: err}
}

// FatalTaskError describes an error happening in the consumer that isn't worth a retry
type FatalTaskError struct {
	Message string `json:"error"`
}

func (e *FatalTaskError) Error() string {
	return e.Message
}

// NewFatalTaskError builds a FatalTaskError from a formatted message
func NewFatalTaskError(format string, args ...interface{}) *FatalTaskError {
	return &FatalTaskError{Message: fmt.Sprintf(format, args...)}
}
