/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

package utilities

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tj/assert"
	"go.uber.org/zap"
)

func TestGetLogLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zap.AtomicLevel
		wantErr  bool
	}{
		{"", zap.NewAtomicLevelAt(zap.InfoLevel), false},
		{"info", zap.NewAtomicLevelAt(zap.InfoLevel), false},
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel), false},
		{"warn", zap.NewAtomicLevelAt(zap.WarnLevel), false},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel), false},
		{"verbose", zap.AtomicLevel{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			level, err := getLogLevel(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected.Level(), level.Level())
		})
	}
}

func TestSetupLogger(t *testing.T) {
	logger, err := SetupLogger("debug", nil)
	assert.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = SetupLogger("warn", &LoggerConfig{Encoding: "console"})
	assert.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = SetupLogger("loud", nil)
	assert.Error(t, err)
}

func TestSetupFileLogger(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "driver.log")
	logger, err := SetupLogger("info", &LoggerConfig{OutputType: "file", Filename: filename})
	assert.NoError(t, err)

	logger.Info("connected", zap.String("endpoint", "127.0.0.1:9042"))
	assert.NoError(t, logger.Sync())

	data, err := os.ReadFile(filename)
	assert.NoError(t, err)
	assert.Contains(t, string(data), "\"msg\":\"connected\"")
	assert.Contains(t, string(data), "127.0.0.1:9042")
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "a", defaultIfEmpty("", "a"))
	assert.Equal(t, "b", defaultIfEmpty("b", "a"))
	assert.Equal(t, 3, defaultIfZero(0, 3))
	assert.Equal(t, 4, defaultIfZero(4, 3))
}
