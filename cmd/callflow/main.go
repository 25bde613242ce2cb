/*
Copyright 2023 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/matrix-org/callflow/pkg/config"
	"github.com/matrix-org/callflow/pkg/coordinator"
	"github.com/matrix-org/callflow/pkg/history"
	"github.com/matrix-org/callflow/pkg/media"
	"github.com/matrix-org/callflow/pkg/profiling"
	"github.com/matrix-org/callflow/pkg/signaling"
	"github.com/matrix-org/callflow/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferred_functions := []func(){}
	if *cpuProfile != "" {
		deferred_functions = append(deferred_functions, profiling.InitCPUProfiling(cpuProfile))
	}
	if *memProfile != "" {
		deferred_functions = append(deferred_functions, profiling.InitMemoryProfiling(memProfile))
	}

	// Load the config file from the environment variable or path.
	cfg, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	// Configure tracing if an exporter is configured.
	if _, err = telemetry.SetupTelemetry(cfg.Telemetry); err != nil {
		if errors.Is(err, telemetry.ErrNoExporter) {
			logrus.Info("tracing disabled: no exporter configured")
		} else {
			logrus.WithError(err).Fatal("could not configure tracing")
		}
	}

	// Create the Matrix-backed signaling transport.
	transport, err := signaling.NewMatrixTransport(cfg.Matrix)
	if err != nil {
		logrus.WithError(err).Fatal("could not create the signaling transport")
	}

	// Create the WebRTC engine.
	factory, err := media.NewConnectionFactory(cfg.Media)
	if err != nil {
		logrus.WithError(err).Fatal("could not create the media engine")
	}

	logger := logrus.NewEntry(logrus.StandardLogger())
	flow := coordinator.New(
		cfg.Coordinator(),
		transport,
		func(sink *channel.SinkWithSender[channel.Source, media.MessageContent], logger *logrus.Entry) media.Session {
			return media.NewWebRTCSession(factory, sink, logger)
		},
		&history.LogRecorder{Logger: logger},
		logger,
	)

	// Handle signal interruptions.
	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		flow.Close()
		for _, function := range deferred_functions {
			function()
		}
		os.Exit(0)
	}()

	// The listeners attach once the sync below makes the transport ready.
	go func() {
		if err := flow.Initialize(); err != nil {
			logrus.WithError(err).Fatal("could not initialize the call flow")
		}
	}()

	// Start matrix client sync. This function will block until the sync fails.
	if err := transport.RunSyncing(); err != nil {
		logrus.WithError(err).Fatal("sync failed")
	}
}
