// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config resolves the orchestrator's runtime configuration: the
// environment-variable surface that selects storage/queue backends and
// sizes the connection pool, plus an optional YAML file for settings
// that don't naturally fit an env var (migrations directory, the git
// collaborator's default base branch).
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataDriver selects the Store backend.
type DataDriver string

const (
	DataDriverDB DataDriver = "db"
	DataDriverFS DataDriver = "fs"
)

// QueueDriver selects the Queue implementation. Only "memory" is
// implemented by this module; other values are accepted and passed
// through for a broker-backed Queue to consume.
type QueueDriver string

const (
	QueueDriverMemory QueueDriver = "memory"
)

// File holds the settings that are more natural as a checked-in YAML
// file than an environment variable.
type File struct {
	MigrationsDir  string `yaml:"migrations_dir,omitempty"`
	GitDefaultBase string `yaml:"git_default_base,omitempty"`
}

// LoadFile reads and parses a YAML settings file. A missing file yields
// a zero-value File, not an error -- every field has an env-var or
// built-in fallback.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// Config is the fully resolved runtime configuration.
type Config struct {
	DatabaseURL string
	DataDriver  DataDriver
	QueueDriver QueueDriver

	// Serverless reports whether VERCEL or AWS_LAMBDA_FUNCTION_NAME hinted
	// a serverless host, which pins the pool to a single connection and
	// allows exit on idle.
	Serverless bool
	PoolSize   int
	LogAllSQL  bool

	WorkerConcurrency int
	GitDefaultBase    string
	MigrationsDir     string
	CoverageThreshold float64
}

const (
	defaultPoolSize          = 10
	serverlessPoolSize       = 1
	defaultWorkerConcurrency = 4
	defaultMigrationsDir     = "migrations"
)

// Load resolves Config from the process environment, falling back to
// file for the handful of settings with no env var equivalent.
func Load(file File) Config {
	serverless := os.Getenv("VERCEL") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""

	driver := DataDriverDB
	queueDriver := QueueDriver(envOr("QUEUE_DRIVER", string(QueueDriverMemory)))
	if queueDriver == QueueDriverMemory {
		driver = DataDriverFS
	}
	if v := os.Getenv("DATA_DRIVER"); v != "" {
		driver = DataDriver(v)
	}

	poolSize := defaultPoolSize
	if serverless {
		poolSize = serverlessPoolSize
	}
	if v, ok := envInt("DB_POOL_SIZE"); ok {
		poolSize = v
	}

	concurrency := defaultWorkerConcurrency
	if v, ok := envInt("WORKER_CONCURRENCY"); ok {
		concurrency = v
	}
	if v, ok := envInt("NOFX_WORKER_CONCURRENCY"); ok {
		concurrency = v
	}
	if concurrency < 1 {
		concurrency = 1
	}

	migrationsDir := defaultMigrationsDir
	if file.MigrationsDir != "" {
		migrationsDir = file.MigrationsDir
	}

	threshold := 0.0
	if v, err := strconv.ParseFloat(os.Getenv("COVERAGE_THRESHOLD"), 64); err == nil {
		threshold = v
	}

	return Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DataDriver:        driver,
		QueueDriver:       queueDriver,
		Serverless:        serverless,
		PoolSize:          poolSize,
		LogAllSQL:         os.Getenv("DB_LOG_ALL") == "1",
		WorkerConcurrency: concurrency,
		GitDefaultBase:    firstNonEmpty(os.Getenv("GIT_DEFAULT_BASE"), file.GitDefaultBase, "main"),
		MigrationsDir:     migrationsDir,
		CoverageThreshold: threshold,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
