// Copyright 2024 Google LLC
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

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type LoggerTest struct {
	suite.Suite
	buf bytes.Buffer
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTest))
}

// redirect points the default logger at the suite's buffer with the given
// severity and format.
func (testSuite *LoggerTest) redirect(severity, format string) {
	testSuite.buf.Reset()
	require.NoError(testSuite.T(), setLoggingLevel(severity))
	defaultLogger = slog.New(newHandler(&testSuite.buf, format))
}

func (testSuite *LoggerTest) TearDownTest() {
	require.NoError(testSuite.T(), setLoggingLevel("info"))
}

func (testSuite *LoggerTest) TestSeverityFiltering() {
	all := []string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR"}
	emit := func() {
		Tracef("t")
		Debugf("d")
		Infof("i")
		Warnf("w")
		Errorf("e")
	}

	// Configured severity -> severities that reach the output.
	expected := map[string][]string{
		"trace":   all,
		"debug":   all[1:],
		"info":    all[2:],
		"warning": all[3:],
		"error":   all[4:],
		"off":     nil,
	}

	for severity, want := range expected {
		testSuite.redirect(severity, "text")
		emit()

		out := testSuite.buf.String()
		for _, name := range all {
			wanted := false
			for _, w := range want {
				if w == name {
					wanted = true
				}
			}
			if wanted {
				assert.Contains(testSuite.T(), out, "severity="+name, "at severity %s", severity)
			} else {
				assert.NotContains(testSuite.T(), out, "severity="+name, "at severity %s", severity)
			}
		}
	}
}

func (testSuite *LoggerTest) TestFormatArguments() {
	testSuite.redirect("info", "text")
	Infof("sector %d: %s", 42, "loaded")
	assert.Contains(testSuite.T(), testSuite.buf.String(), "sector 42: loaded")
}

func (testSuite *LoggerTest) TestJSONFormat() {
	testSuite.redirect("info", "json")
	Warnf("almost full")

	var record map[string]any
	require.NoError(testSuite.T(), json.Unmarshal(testSuite.buf.Bytes(), &record))
	assert.Equal(testSuite.T(), "WARNING", record["severity"])
	assert.Equal(testSuite.T(), "almost full", record["msg"])
}

func (testSuite *LoggerTest) TestInitRejectsBadConfig() {
	assert.Error(testSuite.T(), Init("loud", "text", FileConfig{}))
	assert.Error(testSuite.T(), Init("info", "xml", FileConfig{}))
}
