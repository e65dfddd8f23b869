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

//go:build linux
// +build linux

// Package cli is the main entrypoint for ringctl.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/dirtyring/pkg/log"
	"gvisor.dev/dirtyring/pkg/memutil"
	"gvisor.dev/dirtyring/ringctl/cmd"
	"gvisor.dev/dirtyring/ringctl/cmd/util"
	"gvisor.dev/dirtyring/ringctl/config"
)

// configFile is the optional TOML file holding flag values.
var configFile = flag.String("config", "", "path to a TOML file setting flags in a [flags] table. Flags on the command line take precedence.")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *configFile != "" {
		if err := config.LoadFile(*configFile, flag.CommandLine); err != nil {
			util.Fatalf("%v", err)
		}
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	// Set up logging.
	if err := log.Setup(os.Stderr, conf.LogFormat, conf.Debug); err != nil {
		util.Fatalf("%v", err)
	}
	logrus.Infof("ringctl %s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	logrus.Debugf("Page size: 0x%x (%d bytes)", memutil.PageSize, memutil.PageSize)
	logrus.Infof("Args: %v", os.Args)
	conf.Log()
	logrus.Debugf("Non-default flags: %v", conf.ToFlags())

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	if subcmdCode != subcommands.ExitSuccess {
		logrus.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	stop()
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by ringctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Simulate), "")
	cb(new(cmd.Layout), "")
}
