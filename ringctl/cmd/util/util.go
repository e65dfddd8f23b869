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

// Package util groups helpers shared by ringctl commands.
package util

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

// Fatalf logs to stderr and the log, and exits with failure.
func Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logrus.Error(msg)
	fmt.Fprintf(os.Stderr, "ringctl: %s\n", msg)
	os.Exit(128)
}

// Errorf logs an error to the log and stderr, and returns failure to be
// used as a subcommand exit status.
func Errorf(format string, args ...interface{}) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	logrus.Error(msg)
	fmt.Fprintf(os.Stderr, "ringctl: %s\n", msg)
	return subcommands.ExitFailure
}
