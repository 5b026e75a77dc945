// Copyright 2026 The NaOS Authors.
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

// Package cmd holds implementations of the naosim commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"github.com/meehoyuen/NaOS/naosim/boot"
	"github.com/meehoyuen/NaOS/naosim/config"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.
func (*Run) Synopsis() string {
	return "boot a simulated machine and run its workloads"
}

// Usage implements subcommands.Command.
func (*Run) Usage() string {
	return `run [flags]

Boots the configured cores, starts the workloads and steps the simulation
until the step limit, an interrupt or a shutdown command. The final state
and statistics are printed as JSON.
`
}

// SetFlags implements subcommands.Command.
func (*Run) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (*Run) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := config.NewFromFlags(f)
	if err != nil {
		return Errorf("%v", err)
	}
	setLogLevel(conf.LogLevel)

	s, err := boot.New(conf)
	if err != nil {
		return Errorf("booting: %v", err)
	}
	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	res, err := s.Run(ctx)
	if err != nil {
		return Errorf("running: %v", err)
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return Errorf("encoding result: %v", err)
	}
	fmt.Println(string(out))
	if res.State.Failures > 0 {
		log.Warningf("%d property failures", res.State.Failures)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.Debug)
	case "warning":
		log.SetLevel(log.Warning)
	default:
		log.SetLevel(log.Info)
	}
}

// Errorf logs an error and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}
