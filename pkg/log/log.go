// Copyright 2026 The gVisor Authors.
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

// Package log configures the process-wide structured logger and provides
// rate-limited wrappers for messages that may be emitted from hot paths.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Formats accepted by Setup.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Setup points the standard logrus logger at w with the given format. Debug
// messages are emitted only if debug is set.
func Setup(w io.Writer, format string, debug bool) error {
	f, err := newFormatter(format)
	if err != nil {
		return err
	}
	logrus.SetOutput(w)
	logrus.SetFormatter(f)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case FormatText:
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &logrus.JSONFormatter{}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be %q or %q", format, FormatText, FormatJSON)
}
