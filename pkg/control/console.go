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

package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// ConsoleReader turns operator lines into signals:
//
//	start [pipeline] [path]
//	stop|end [pipeline]
//
// Without a pipeline the command applies to every pipeline.
type ConsoleReader struct {
	router *Router
	in     io.Reader
	out    io.Writer
}

func NewConsoleReader(router *Router, in io.Reader, out io.Writer) *ConsoleReader {
	return &ConsoleReader{
		router: router,
		in:     in,
		out:    out,
	}
}

// Run reads until the input ends (nil) or ctx is done.
func (c *ConsoleReader) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			logger.Debugw("console input closed")
			return err
		case line := <-lines:
			if err := c.handle(line); err != nil {
				_, _ = fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *ConsoleReader) handle(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := strings.ToLower(fields[0]), fields[1:]
	pipelines := c.router.Pipelines()
	if len(args) > 0 && c.router.Has(args[0]) {
		pipelines, args = args[:1], args[1:]
	}

	switch cmd {
	case "start":
		if len(args) > 1 {
			return fmt.Errorf("usage: start [pipeline] [path]")
		}
		var filename string
		if len(args) == 1 {
			if len(pipelines) > 1 {
				return fmt.Errorf("a path needs a pipeline, one of %s", strings.Join(pipelines, ", "))
			}
			filename = args[0]
		}
		for _, p := range pipelines {
			started, err := c.router.Start(p, filename)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s: recording to %s\n", p, started)
		}

	case "stop", "end":
		if len(args) > 0 {
			return fmt.Errorf("usage: %s [pipeline]", cmd)
		}
		for _, p := range pipelines {
			if err := c.router.Send(p, types.EndSignal()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "%s: stopping\n", p)
		}

	default:
		return fmt.Errorf("bad input: %s", line)
	}

	return nil
}
