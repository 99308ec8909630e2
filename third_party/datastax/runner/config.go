// Copyright (c) DataStax, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cqlsharp/cqldriver/utilities"
	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// Defaults for cluster settings.
const (
	DefaultContactPoint   = "127.0.0.1"
	DefaultNumConns       = 1
	DefaultPageSize       = 5000
	DefaultConsistency    = "LOCAL_ONE"
	DefaultRequestTimeout = "12s"
	DefaultSamplingRatio  = 0.05
)

var secretVersionPattern = regexp.MustCompile(`^projects/[^/]+/secrets/[^/]+/versions/[^/]+$`)

// UserConfig is the layout of the YAML configuration file.
type UserConfig struct {
	Cluster      ClusterConfig           `yaml:"cluster"`
	Otel         *OtelConfig             `yaml:"otel"`
	LoggerConfig *utilities.LoggerConfig `yaml:"loggerConfig"`
}

// ClusterConfig describes how to reach the cluster and the statement defaults.
type ClusterConfig struct {
	ContactPoints []string `yaml:"contactPoints"`
	Keyspace      string   `yaml:"keyspace"`
	Username      string   `yaml:"username"`
	// PasswordSecret is a Secret Manager version name,
	// projects/<p>/secrets/<s>/versions/<v>.
	PasswordSecret    string `yaml:"passwordSecret"`
	Compression       string `yaml:"compression"`
	NumConns          int    `yaml:"numConns"`
	Consistency       string `yaml:"consistency"`
	PageSize          int32  `yaml:"pageSize"`
	RequestTimeout    string `yaml:"requestTimeout"`
	PreparedCacheSize int    `yaml:"preparedCacheSize"`
}

// OtelConfig defines the otel section of the YAML configuration.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
	HealthCheck struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"healthcheck"`
	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"metrics"`
	Traces struct {
		Enabled       bool    `yaml:"enabled"`
		Endpoint      string  `yaml:"endpoint"`
		SamplingRatio float64 `yaml:"samplingRatio"`
	} `yaml:"traces"`
}

// LoadConfig reads and parses the configuration from a YAML file on fs.
func LoadConfig(fs afero.Fs, filename string) (*UserConfig, error) {
	data, err := afero.ReadFile(fs, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config UserConfig
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err = ValidateAndApplyDefaults(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ValidateAndApplyDefaults applies default values to the configuration after it is loaded
func ValidateAndApplyDefaults(cfg *UserConfig) error {
	if cfg.Otel != nil && cfg.Otel.Enabled {
		if cfg.Otel.Metrics.Enabled && (cfg.Otel.Metrics.Endpoint == "" || cfg.Otel.ServiceName == "") {
			return fmt.Errorf("define all of these parameters in config - otel.metrics.endpoint, otel.serviceName")
		}
		if cfg.Otel.Traces.Enabled && (cfg.Otel.Traces.Endpoint == "" || cfg.Otel.ServiceName == "") {
			return fmt.Errorf("define all of these parameters in config - otel.traces.endpoint, otel.serviceName")
		}
		if cfg.Otel.Traces.SamplingRatio < 0 || cfg.Otel.Traces.SamplingRatio > 1 {
			return fmt.Errorf("otel.traces.samplingRatio should be between 0 and 1")
		}
		if cfg.Otel.Traces.SamplingRatio == 0 {
			cfg.Otel.Traces.SamplingRatio = DefaultSamplingRatio
		}
	}

	cluster := &cfg.Cluster
	if len(cluster.ContactPoints) == 0 {
		cluster.ContactPoints = []string{DefaultContactPoint}
	}
	if cluster.NumConns == 0 {
		cluster.NumConns = DefaultNumConns
	}
	if cluster.NumConns < 0 {
		return fmt.Errorf("cluster.numConns must be positive, got %d", cluster.NumConns)
	}
	if cluster.PageSize == 0 {
		cluster.PageSize = DefaultPageSize
	}
	if cluster.Consistency == "" {
		cluster.Consistency = DefaultConsistency
	}
	if _, ok := parseConsistency(cluster.Consistency); !ok {
		return fmt.Errorf("unsupported consistency level %q", cluster.Consistency)
	}
	if cluster.RequestTimeout == "" {
		cluster.RequestTimeout = DefaultRequestTimeout
	}
	if _, err := time.ParseDuration(cluster.RequestTimeout); err != nil {
		return fmt.Errorf("invalid cluster.requestTimeout: %w", err)
	}
	if _, ok := parseCompression(cluster.Compression); !ok {
		return fmt.Errorf("unsupported compression %q", cluster.Compression)
	}
	if cluster.PasswordSecret != "" && !secretVersionPattern.MatchString(cluster.PasswordSecret) {
		return fmt.Errorf("cluster.passwordSecret must look like projects/<project>/secrets/<secret>/versions/<version>")
	}
	return nil
}

func parseProtocolVersion(s string) (version primitive.ProtocolVersion, ok bool) {
	switch strings.ToLower(s) {
	case "2", "v2":
		return primitive.ProtocolVersion2, true
	case "3", "v3":
		return primitive.ProtocolVersion3, true
	case "4", "v4":
		return primitive.ProtocolVersion4, true
	}
	return 0, false
}

var consistencyLevels = map[string]primitive.ConsistencyLevel{
	"ANY":          primitive.ConsistencyLevelAny,
	"ONE":          primitive.ConsistencyLevelOne,
	"TWO":          primitive.ConsistencyLevelTwo,
	"THREE":        primitive.ConsistencyLevelThree,
	"QUORUM":       primitive.ConsistencyLevelQuorum,
	"ALL":          primitive.ConsistencyLevelAll,
	"LOCAL_QUORUM": primitive.ConsistencyLevelLocalQuorum,
	"EACH_QUORUM":  primitive.ConsistencyLevelEachQuorum,
	"SERIAL":       primitive.ConsistencyLevelSerial,
	"LOCAL_SERIAL": primitive.ConsistencyLevelLocalSerial,
	"LOCAL_ONE":    primitive.ConsistencyLevelLocalOne,
}

func parseConsistency(s string) (primitive.ConsistencyLevel, bool) {
	level, ok := consistencyLevels[strings.ToUpper(s)]
	return level, ok
}

// parseCompression maps "none" to no compression.
func parseCompression(s string) (string, bool) {
	switch strings.ToLower(s) {
	case "", "none":
		return "", true
	case "snappy", "lz4":
		return strings.ToLower(s), true
	}
	return "", false
}
