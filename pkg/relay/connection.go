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

package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/linkdata/deadlock"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
)

const (
	defaultWriteTimeout = time.Second * 5
	defaultPingPeriod   = time.Second * 30
)

// connection runs the send and receive tasks of one admitted viewer. The
// first task to finish wins: it releases the lease, and the other task is
// aborted by closing the socket.
type connection[T any] struct {
	id           string
	ws           *websocket.Conn
	lease        *Lease
	data         <-chan T
	encoder      Encoder[T]
	writeTimeout time.Duration
	pingPeriod   time.Duration
	observer     Observer
	logger       logger.Logger

	mu       deadlock.Mutex
	finished core.Fuse
	reason   string
}

func (c *connection[T]) serve(ctx context.Context, shutdown <-chan struct{}) {
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if c.pingPeriod <= 0 {
		c.pingPeriod = defaultPingPeriod
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.finish("send", c.sendLoop(ctx))
	}()
	go func() {
		defer wg.Done()
		c.finish("receive", c.receiveLoop())
	}()

	select {
	case <-c.finished.Watch():
	case <-shutdown:
		c.writeClose(websocket.CloseGoingAway, "server shutting down")
		c.finish("shutdown", errors.ErrRelayClosed)
	case <-ctx.Done():
		c.finish("context", ctx.Err())
	}

	// abort whichever task is still running
	cancel()
	_ = c.ws.Close()
	wg.Wait()

	c.logger.Infow("viewer disconnected", "connectionID", c.id, "reason", c.reason)
}

// finish is called by every terminal path. Only the first call releases the slot.
func (c *connection[T]) finish(task string, err error) {
	c.finished.Once(func() {
		c.reason = task
		if err != nil {
			c.reason = task + ": " + err.Error()
		}
		c.lease.Release()
	})
}

func (c *connection[T]) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte("ping")); err != nil {
				return err
			}

		case item, ok := <-c.data:
			if !ok {
				c.writeClose(websocket.CloseNormalClosure, "stream ended")
				return errors.ErrSourceClosed
			}

			msgs, err := c.encoder.Encode(item)
			if err != nil {
				c.logger.Warnw("failed to encode frame", err)
				continue
			}
			for _, msg := range msgs {
				if err = c.write(msg.Type, msg.Data); err != nil {
					return err
				}
			}
			if c.observer != nil {
				c.observer.OnSent()
			}
		}
	}
}

// receiveLoop drains client messages. Only a close frame or a read error ends it.
func (c *connection[T]) receiveLoop() error {
	for {
		_, _, err := c.ws.ReadMessage()
		if err == nil {
			continue
		}

		var closeError *websocket.CloseError
		if errors.As(err, &closeError) {
			return nil
		}
		if errors.Is(err, io.EOF) || strings.HasSuffix(err.Error(), "use of closed network connection") {
			return errors.ErrWebSocketClosed(c.ws.RemoteAddr().String())
		}
		return err
	}
}

func (c *connection[T]) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection[T]) writeClose(code int, text string) {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.writeTimeout),
	)
}
