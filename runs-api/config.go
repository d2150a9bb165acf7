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

// EnvPrefix prefixes the environment variables the API reads its configuration from
const EnvPrefix = "RUNS_API_"

// DBConfig holds the database connection settings
type DBConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Pass     string `koanf:"pass"`
	Name     string `koanf:"name"`
	Rollback bool   `koanf:"rollback"`
}

// DSN returns the lib/pq connection string
func (c *DBConfig) DSN() string {
	return fmt.Sprintf(
		"user=%s password=%s host=%s port=%d sslmode=disable dbname=%s",
		c.User, c.Pass, c.Host, c.Port, c.Name,
	)
}

// RunsConfig holds the configuration variables for the runs API
type RunsConfig struct {
	// API Server settings
	Hostname string `koanf:"host"`
	Port     int    `koanf:"port"`
	CertFile string `koanf:"cert"`
	KeyFile  string `koanf:"key"`

	// Authentification
	APIUser     string `koanf:"user"`
	APIPassword string `koanf:"password"`

	DB     DBConfig            `koanf:"db"`
	Broker common.BrokerConfig `koanf:"broker"`
	Log    common.LogConfig    `koanf:"log"`
}

// TLSOn returns true if TLS credentials have been provided. The API will then
// serve requests over TLS.
func (c *RunsConfig) TLSOn() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// DefaultRunsConfig returns the settings of a docker-compose style deployment
func DefaultRunsConfig() RunsConfig {
	return RunsConfig{
		Hostname:    "0.0.0.0",
		Port:        8000,
		APIUser:     "u",
		APIPassword: "p",
		DB: DBConfig{
			Host: "postgres",
			Port: 5432,
			User: "runs",
			Pass: "tooshort",
			Name: "runs",
		},
		Broker: common.DefaultBrokerConfig(),
		Log: common.LogConfig{
			Level:  "info",
			Format: common.LogFormatJSON,
		},
	}
}

var flagKeys = map[string]string{
	"host":     "host",
	"port":     "port",
	"cert":     "cert",
	"key":      "key",
	"user":     "user",
	"password": "password",

	"db-host":     "db.host",
	"db-port":     "db.port",
	"db-name":     "db.name",
	"db-user":     "db.user",
	"db-pass":     "db.pass",
	"db-rollback": "db.rollback",

	"nsqd-host": "broker.nsqd_host",
	"nsqd-port": "broker.nsqd_port",

	"log-level":  "log.level",
	"log-format": "log.format",
}

// NewRunsConfig computes the configuration object parsing CLI flags, the configuration file and
// the environment
func NewRunsConfig(args []string) (*RunsConfig, error) {
	defaults := DefaultRunsConfig()

	flags := pflag.NewFlagSet("runs-api", pflag.ContinueOnError)
	configFile := flags.String("config", "", "YAML configuration file")

	// CLI Flags
	flags.String("host", defaults.Hostname, "The hostname our server will be listening on")
	flags.Int("port", defaults.Port, "The port our runs API will be listening on")
	flags.String("cert", "", "The TLS certs to serve to clients (leave blank for no TLS)")
	flags.String("key", "", "The TLS key used to encrypt connection (leave blank for no TLS)")
	flags.String("user", defaults.APIUser, "The username for Basic Authentification")
	flags.String("password", defaults.APIPassword, "The password for Basic Authentification")

	flags.String("db-host", defaults.DB.Host, "The hostname of the postgres database")
	flags.Int("db-port", defaults.DB.Port, "The database port")
	flags.String("db-name", defaults.DB.Name, "The database name")
	flags.String("db-user", defaults.DB.User, "The database user")
	flags.String("db-pass", defaults.DB.Pass, "The database password to use")
	flags.Bool("db-rollback", false, "if true, rolls back the last migration")

	flags.String("nsqd-host", defaults.Broker.NsqdHost, "Hostname of the nsqd instance runs are published to")
	flags.Int("nsqd-port", defaults.Broker.NsqdPort, "TCP port of the nsqd instance runs are published to")

	flags.String("log-level", defaults.Log.Level, "Log level")
	flags.String("log-format", defaults.Log.Format, "Log format: 'json' or 'console'")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	conf := &RunsConfig{}
	err := common.LoadConfig(common.ConfigSource{
		Defaults:  defaults,
		File:      *configFile,
		EnvPrefix: EnvPrefix,
		Flags:     flags,
		FlagKeys:  flagKeys,
	}, conf)
	if err != nil {
		return nil, err
	}
	return conf, nil
}
