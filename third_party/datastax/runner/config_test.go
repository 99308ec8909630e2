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
	"testing"

	"github.com/datastax/go-cassandra-native-protocol/primitive"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
cluster:
  contactPoints:
    - 10.0.0.1
    - 10.0.0.2:9043
  keyspace: ks1
  username: cassandra
  passwordSecret: projects/p1/secrets/cassandra/versions/latest
  compression: lz4
  consistency: local_quorum
  pageSize: 100
  requestTimeout: 3s
otel:
  enabled: true
  serviceName: cqlexec
  traces:
    enabled: true
    endpoint: localhost:4317
loggerConfig:
  outputType: stdout
  encoding: json
`

func TestLoadConfig(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cqlexec.yaml", []byte(testConfig), 0o644))

	cfg, err := LoadConfig(fs, "cqlexec.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2:9043"}, cfg.Cluster.ContactPoints)
	assert.Equal(t, "ks1", cfg.Cluster.Keyspace)
	assert.Equal(t, "lz4", cfg.Cluster.Compression)
	assert.Equal(t, int32(100), cfg.Cluster.PageSize)
	assert.Equal(t, DefaultNumConns, cfg.Cluster.NumConns)
	assert.Equal(t, "3s", cfg.Cluster.RequestTimeout)
	assert.Equal(t, DefaultSamplingRatio, cfg.Otel.Traces.SamplingRatio)
	assert.Equal(t, "json", cfg.LoggerConfig.Encoding)

	_, err = LoadConfig(fs, "missing.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "bad.yaml", []byte("cluster: [unclosed"), 0o644))
	_, err = LoadConfig(fs, "bad.yaml")
	assert.Error(t, err)
}

func TestValidateAndApplyDefaults(t *testing.T) {
	cfg := &UserConfig{}
	require.NoError(t, ValidateAndApplyDefaults(cfg))
	assert.Equal(t, []string{DefaultContactPoint}, cfg.Cluster.ContactPoints)
	assert.Equal(t, int32(DefaultPageSize), cfg.Cluster.PageSize)
	assert.Equal(t, DefaultConsistency, cfg.Cluster.Consistency)
	assert.Equal(t, DefaultRequestTimeout, cfg.Cluster.RequestTimeout)
}

func TestValidateAndApplyDefaultsErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     UserConfig
		wantErr string
	}{
		{
			name:    "bad consistency",
			cfg:     UserConfig{Cluster: ClusterConfig{Consistency: "MOST"}},
			wantErr: `unsupported consistency level "MOST"`,
		},
		{
			name:    "bad compression",
			cfg:     UserConfig{Cluster: ClusterConfig{Compression: "gzip"}},
			wantErr: `unsupported compression "gzip"`,
		},
		{
			name: "bad timeout",
			cfg:  UserConfig{Cluster: ClusterConfig{RequestTimeout: "soon"}},
		},
		{
			name: "negative conns",
			cfg:  UserConfig{Cluster: ClusterConfig{NumConns: -1}},
		},
		{
			name: "bad secret name",
			cfg:  UserConfig{Cluster: ClusterConfig{PasswordSecret: "my-secret"}},
		},
		{
			name:    "missing trace endpoint",
			cfg:     UserConfig{Otel: otelWithTraces("", 0)},
			wantErr: "define all of these parameters in config - otel.traces.endpoint, otel.serviceName",
		},
		{
			name:    "sampling ratio out of range",
			cfg:     UserConfig{Otel: otelWithTraces("localhost:4317", 1.5)},
			wantErr: "otel.traces.samplingRatio should be between 0 and 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAndApplyDefaults(&tt.cfg)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, err.Error())
			}
		})
	}
}

func otelWithTraces(endpoint string, ratio float64) *OtelConfig {
	o := &OtelConfig{Enabled: true, ServiceName: "cqlexec"}
	o.Traces.Enabled = true
	o.Traces.Endpoint = endpoint
	o.Traces.SamplingRatio = ratio
	return o
}

func TestParseProtocolVersion(t *testing.T) {
	tests := []struct {
		in   string
		want primitive.ProtocolVersion
		ok   bool
	}{
		{"v2", primitive.ProtocolVersion2, true},
		{"3", primitive.ProtocolVersion3, true},
		{"V4", primitive.ProtocolVersion4, true},
		{"v5", 0, false},
		{"dsev1", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProtocolVersion(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseConsistencyAndCompression(t *testing.T) {
	level, ok := parseConsistency("local_one")
	assert.True(t, ok)
	assert.Equal(t, primitive.ConsistencyLevelLocalOne, level)
	level, ok = parseConsistency("any")
	assert.True(t, ok)
	assert.Equal(t, primitive.ConsistencyLevelAny, level)
	_, ok = parseConsistency("SOME")
	assert.False(t, ok)

	c, ok := parseCompression("none")
	assert.True(t, ok)
	assert.Equal(t, "", c)
	c, ok = parseCompression("Snappy")
	assert.True(t, ok)
	assert.Equal(t, "snappy", c)
}
