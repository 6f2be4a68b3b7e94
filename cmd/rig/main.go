// Copyright 2023 LiveKit, Inc.
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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/server"
	"github.com/sensorrig/rig/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "rig",
		Usage:       "Sensor rig",
		Version:     version.Version,
		Description: "captures camera and imu streams, records them on command and relays them live",
		Commands: []*cli.Command{
			{
				Name:        "record",
				Usage:       "start or stop a recording on a running rig",
				Description: "sends a signal through the configured transport",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "pipeline",
						Usage:    "camera or imu",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "path",
						Usage: "output file, required to start",
					},
					&cli.BoolFlag{
						Name:  "stop",
						Usage: "end the current recording",
					},
					&cli.StringFlag{
						Name:  "transport",
						Usage: "http, redis or nats",
						Value: "http",
					},
					&cli.StringFlag{
						Name:  "url",
						Usage: "rig health port url, for the http transport",
						Value: "http://localhost:8090",
					},
				},
				Action: runRecord,
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "rig yaml config file",
				Sources: cli.EnvVars("RIG_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "rig yaml config body",
				Sources: cli.EnvVars("RIG_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Command) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	return config.NewConfig(configBody)
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	svc, err := server.NewServer(conf, server.WithConsole(os.Stdin, os.Stdout))
	if err != nil {
		return err
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	go func() {
		select {
		case sig := <-stopChan:
			logger.Infow("exit requested, closing recordings then shutting down", "signal", sig)
			svc.Shutdown(false)
		case sig := <-killChan:
			logger.Infow("exit requested, shutting down", "signal", sig)
			svc.Shutdown(true)
		}
	}()

	return svc.Run(ctx)
}
