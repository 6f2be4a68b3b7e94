// Copyright 2025 LiveKit, Inc.
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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/control"
	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/types"
)

func runRecord(ctx context.Context, c *cli.Command) error {
	sig := types.StartSignal(c.String("path"))
	if c.Bool("stop") {
		sig = types.EndSignal()
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	pipeline := c.String("pipeline")

	switch transport := c.String("transport"); transport {
	case "http":
		return postSignal(ctx, c.String("url"), pipeline, sig)

	case "redis":
		conf, err := getControlConfig(c)
		if err != nil {
			return err
		}
		if conf.Redis == nil {
			return errors.ErrInvalidConfig("control.redis", "required for the redis transport")
		}
		rc, err := control.NewRedisClient(conf.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		return control.PublishRedis(ctx, rc, conf.Redis.Channel, pipeline, sig)

	case "nats":
		conf, err := getControlConfig(c)
		if err != nil {
			return err
		}
		if conf.NATS == nil {
			return errors.ErrInvalidConfig("control.nats", "required for the nats transport")
		}
		nc, err := control.NewNATSConn(conf.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()
		return control.PublishNATS(nc, conf.NATS.Subject, pipeline, sig)

	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

func getControlConfig(c *cli.Command) (*config.ControlConfig, error) {
	conf, err := getConfig(c)
	if err != nil {
		return nil, err
	}
	return conf.Control, nil
}

func postSignal(ctx context.Context, base, pipeline string, sig types.Signal) error {
	target, err := url.JoinPath(base, "record", pipeline)
	if err != nil {
		return err
	}
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(b))
	}
	fmt.Println(string(bytes.TrimSpace(b)))
	return nil
}
