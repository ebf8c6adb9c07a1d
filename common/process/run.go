// Copyright 2025 StreamNative, Inc.
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

package process

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
)

// RunProcess starts the process and blocks until a termination
// signal is received.
func RunProcess(startProcess func() (io.Closer, error)) {
	profiler := RunProfiling()
	proc, err := startProcess()
	if err != nil {
		slog.Error(
			"Failed to start the process",
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	WaitUntilSignal(proc, profiler)
}

func WaitUntilSignal(closers ...io.Closer) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	slog.Info(
		"Received signal, exiting",
		slog.String("signal", sig.String()),
	)

	var err error
	for _, closer := range closers {
		err = multierr.Append(err, closer.Close())
	}

	if err != nil {
		slog.Error(
			"Failed when shutting down",
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	slog.Info("Shutdown completed")
	os.Exit(0)
}
