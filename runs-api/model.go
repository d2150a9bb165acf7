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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fatih/structs"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	uuid "github.com/satori/go.uuid"

	"github.com/MorpheoOrg/sagemaker-runner/common"
)

// Model (and SQL table) names
const (
	RunModelName   = "run"
	migrationTable = "runs_migrations"
	DevilMockUUID  = "c54e361e-18db-48dd-aa71-96f28a1af892"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when no run has the requested UUID
var ErrNotFound = errors.New("run not found")

var (
	// SQL statements
	insertStatement = `INSERT INTO run (uuid, status, dataset, job, eval, job_name, model_artifact, metrics, failure, timestamp_request, timestamp_done)
		VALUES (:uuid, :status, :dataset, :job, :eval, :job_name, :model_artifact, :metrics, :failure, :timestamp_request, :timestamp_done)`
	selectTemplate        = "SELECT * FROM run ORDER BY timestamp_request DESC LIMIT %d OFFSET %d"
	getOneStatement       = `SELECT * FROM run WHERE uuid=$1 LIMIT 1`
	updateStatusStatement = `UPDATE run SET status=$1 WHERE uuid=$2`
	updateStatement       = `UPDATE run SET status=:Status, job_name=:JobName, model_artifact=:ModelArtifact, metrics=:Metrics, failure=:Failure, timestamp_done=:CompletionDate WHERE uuid=:prev_uuid`
)

// Model contains methods to interact with runs stored in base
type Model interface {
	Insert(run *common.TrainingRun) error
	List(page, pageSize int) ([]common.TrainingRun, error)
	GetOne(id uuid.UUID) (*common.TrainingRun, error)
	Update(run *common.TrainingRun, id uuid.UUID) error
	UpdateStatus(id uuid.UUID, status string) error
	GetModelName() string
}

// RunMigrations applies the embedded migrations
func RunMigrations(db *sqlx.DB, rollback bool) (int, error) {
	migrate.SetTable(migrationTable)

	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations,
		Root:       "migrations",
	}

	operation := migrate.Up
	limit := 0
	if rollback {
		limit = 1
		operation = migrate.Down
	}

	return migrate.ExecMax(db.DB, "postgres", source, operation, limit)
}

// SQLModel interacts with a postgreSQL database
type SQLModel struct {
	*sqlx.DB
}

// NewSQLModel creates a Model instance, bound to a given database
func NewSQLModel(db *sqlx.DB) *SQLModel {
	return &SQLModel{db}
}

// Insert inserts a given run in base
func (m *SQLModel) Insert(run *common.TrainingRun) error {
	if _, err := m.NamedExec(insertStatement, run); err != nil {
		return fmt.Errorf("[model] Error inserting %s %s in database: %w", RunModelName, run.ID, err)
	}
	return nil
}

// List lists runs in base, most recent first, pagination included
func (m *SQLModel) List(page, pageSize int) ([]common.TrainingRun, error) {
	runs := make([]common.TrainingRun, 0, pageSize)
	if err := m.Select(&runs, fmt.Sprintf(selectTemplate, pageSize, page*pageSize)); err != nil {
		return nil, fmt.Errorf("[model] Error retrieving %s list from database: %w", RunModelName, err)
	}
	return runs, nil
}

// GetOne retrieves a run in base using its uuid
func (m *SQLModel) GetOne(id uuid.UUID) (*common.TrainingRun, error) {
	var run common.TrainingRun
	if err := m.Get(&run, getOneStatement, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("[model] Error retrieving %s %s from database: %w", RunModelName, id, ErrNotFound)
		}
		return nil, fmt.Errorf("[model] Error retrieving %s %s from database: %w", RunModelName, id, err)
	}
	return &run, nil
}

// Update changes the outcome fields of a run in base using its uuid
func (m *SQLModel) Update(run *common.TrainingRun, id uuid.UUID) error {
	instanceMap := structs.Map(run)
	instanceMap["prev_uuid"] = id
	if _, err := m.NamedExec(updateStatement, instanceMap); err != nil {
		return fmt.Errorf("[model] Error updating %s %s in database: %w", RunModelName, id, err)
	}
	return nil
}

// UpdateStatus changes the status of a run
func (m *SQLModel) UpdateStatus(id uuid.UUID, status string) error {
	res, err := m.Exec(updateStatusStatement, status, id)
	if err != nil {
		return fmt.Errorf("[model] Error updating %s %s status in database: %w", RunModelName, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("[model] Error updating %s %s status in database: %w", RunModelName, id, ErrNotFound)
	}
	return nil
}

// GetModelName returns the model name
func (m *SQLModel) GetModelName() string {
	return RunModelName
}

// MockedModel is an in-memory mock of SQLModel for tests. DevilMockUUID is never found.
type MockedModel struct {
	mu   sync.Mutex
	runs map[uuid.UUID]common.TrainingRun
}

// NewMockedModel creates a Model instance mock
func NewMockedModel() *MockedModel {
	return &MockedModel{runs: map[uuid.UUID]common.TrainingRun{}}
}

// Insert stores a copy of the run
func (m *MockedModel) Insert(run *common.TrainingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("[model] UUID %s already exist in table '%s'", run.ID, RunModelName)
	}
	m.runs[run.ID] = *run
	return nil
}

// List returns the stored runs, most recent first
func (m *MockedModel) List(page, pageSize int) ([]common.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]common.TrainingRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RequestDate.After(runs[j].RequestDate) })

	start := page * pageSize
	if start >= len(runs) {
		return []common.TrainingRun{}, nil
	}
	end := start + pageSize
	if end > len(runs) {
		end = len(runs)
	}
	return runs[start:end], nil
}

// GetOne retrieves a stored run
func (m *MockedModel) GetOne(id uuid.UUID) (*common.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok || id.String() == DevilMockUUID {
		return nil, fmt.Errorf("[model] Runnin' With the Devil! %w", ErrNotFound)
	}
	return &run, nil
}

// Update replaces the outcome fields of a stored run
func (m *MockedModel) Update(run *common.TrainingRun, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("[model] Error updating %s %s: %w", RunModelName, id, ErrNotFound)
	}
	stored.Status = run.Status
	stored.JobName = run.JobName
	stored.ModelArtifact = run.ModelArtifact
	stored.Metrics = run.Metrics
	stored.Failure = run.Failure
	stored.CompletionDate = run.CompletionDate
	m.runs[id] = stored
	return nil
}

// UpdateStatus changes the status of a stored run
func (m *MockedModel) UpdateStatus(id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("[model] Error updating %s %s status: %w", RunModelName, id, ErrNotFound)
	}
	stored.Status = status
	m.runs[id] = stored
	return nil
}

// GetModelName returns the model name
func (m *MockedModel) GetModelName() string {
	return RunModelName
}
