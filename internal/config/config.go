// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package config loads the docadmin command configuration from a YAML file,
// .env files and DOCADMIN_* environment variables, in increasing order of
// precedence. Command line flags are applied on top by the command.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/elastic/go-docadmin"
)

// File is the docadmin configuration file.
type File struct {
	Elasticsearch Elasticsearch `yaml:"elasticsearch"`
	Bulk          Bulk          `yaml:"bulk"`
	Log           Log           `yaml:"log"`
}

// Elasticsearch holds the connection settings.
type Elasticsearch struct {
	Host           string        `yaml:"host" env:"DOCADMIN_HOST"`
	Port           int           `yaml:"port" env:"DOCADMIN_PORT"`
	Scheme         string        `yaml:"scheme" env:"DOCADMIN_SCHEME"`
	ClusterName    string        `yaml:"cluster_name" env:"DOCADMIN_CLUSTER"`
	Username       string        `yaml:"username" env:"DOCADMIN_USERNAME"`
	Password       string        `yaml:"password" env:"DOCADMIN_PASSWORD"`
	APIKey         string        `yaml:"api_key" env:"DOCADMIN_API_KEY"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"DOCADMIN_TIMEOUT"`
	Refresh        string        `yaml:"refresh" env:"DOCADMIN_REFRESH"`
	LegacyTypes    bool          `yaml:"legacy_types" env:"DOCADMIN_LEGACY_TYPES"`
	AutoCreate     bool          `yaml:"auto_create_index" env:"DOCADMIN_AUTO_CREATE_INDEX"`
	Compression    int           `yaml:"compression_level" env:"DOCADMIN_COMPRESSION_LEVEL"`
	Pipeline       string        `yaml:"pipeline" env:"DOCADMIN_PIPELINE"`
}

// Bulk holds the settings of the bulk command.
type Bulk struct {
	FlushActions  int           `yaml:"flush_actions" env:"DOCADMIN_BULK_FLUSH_ACTIONS"`
	FlushBytes    int           `yaml:"flush_bytes" env:"DOCADMIN_BULK_FLUSH_BYTES"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"DOCADMIN_BULK_FLUSH_INTERVAL"`
	MaxRequests   int           `yaml:"max_requests" env:"DOCADMIN_BULK_MAX_REQUESTS"`
}

// Log holds the logging settings.
type Log struct {
	Level       string `yaml:"level" env:"DOCADMIN_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"DOCADMIN_LOG_DEVELOPMENT"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Elasticsearch: Elasticsearch{
			Host:   "localhost",
			Port:   9200,
			Scheme: "http",
		},
		Log: Log{Level: "info"},
	}
}

// Connection returns the library configuration described by f.
func (f File) Connection() docadmin.Config {
	es := f.Elasticsearch
	return docadmin.Config{
		Host:             es.Host,
		Port:             es.Port,
		Scheme:           es.Scheme,
		ClusterName:      es.ClusterName,
		Username:         es.Username,
		Password:         es.Password,
		APIKey:           es.APIKey,
		RequestTimeout:   es.RequestTimeout,
		Refresh:          es.Refresh,
		LegacyTypes:      es.LegacyTypes,
		AutoCreateIndex:  es.AutoCreate,
		CompressionLevel: es.Compression,
		MaxRequests:      f.Bulk.MaxRequests,
		Pipeline:         es.Pipeline,
	}
}

// Processor returns the bulk processor configuration described by f.
func (f File) Processor() docadmin.ProcessorConfig {
	return docadmin.ProcessorConfig{
		FlushActions:  f.Bulk.FlushActions,
		FlushBytes:    f.Bulk.FlushBytes,
		FlushInterval: f.Bulk.FlushInterval,
	}
}

// Load returns the default configuration overlaid with the YAML file at
// path, if path is not empty, and then with environment variables.
func Load(path string) (File, error) {
	cfg := Default()
	if err := LoadInto(path, &cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// LoadInto decodes the YAML file at path into cfg, which must be a pointer
// to a struct, and applies the environment variables named by `env` struct
// tags. A missing path only applies the environment.
//
// The environment is first populated from the file named by ENV_FILE, or
// else from .env.local and .env. Variables already set are not overridden.
func LoadInto[T any](path string, cfg *T) error {
	if err := loadEnvFiles(); err != nil {
		return fmt.Errorf("load environment files: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return applyEnv(reflect.ValueOf(cfg).Elem())
}

func loadEnvFiles() error {
	if name := os.Getenv("ENV_FILE"); name != "" {
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		return nil
	}
	// godotenv keeps the first value it sees, so .env.local wins over .env.
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func applyEnv(v reflect.Value) error {
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}
