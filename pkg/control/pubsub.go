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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/sensorrig/rig/pkg/config"
	"github.com/sensorrig/rig/pkg/logger"
	"github.com/sensorrig/rig/pkg/types"
)

// topic is the pub/sub channel or subject carrying signals for one pipeline.
func topic(prefix, pipeline string) string {
	return prefix + "." + pipeline
}

// dispatch decodes one pub/sub payload and queues it. Malformed or
// undeliverable messages are dropped with a warning.
func dispatch(router *Router, prefix, channel string, payload []byte) {
	pipeline := strings.TrimPrefix(channel, prefix+".")
	sig, err := types.DecodeSignal(bytes.NewReader(payload))
	if err != nil {
		logger.Warnw("dropping malformed signal", err, "channel", channel)
		return
	}
	if err = router.Send(pipeline, sig); err != nil {
		logger.Warnw("dropping signal", err, "channel", channel, "signal", sig.String())
	}
}

func NewRedisClient(conf *config.RedisConfig) (redis.UniversalClient, error) {
	logger.Infow("connecting to redis", "addr", conf.Address)
	opts := &redis.Options{
		Addr:     conf.Address,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	}
	if conf.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rc := redis.NewClient(opts)
	if err := rc.Ping(context.Background()).Err(); err != nil {
		_ = rc.Close()
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	return rc, nil
}

// RedisSubscriber listens on <channel>.<pipeline> for every routed pipeline.
type RedisSubscriber struct {
	rc      redis.UniversalClient
	channel string
	router  *Router
}

func NewRedisSubscriber(rc redis.UniversalClient, channel string, router *Router) *RedisSubscriber {
	return &RedisSubscriber{
		rc:      rc,
		channel: channel,
		router:  router,
	}
}

func (s *RedisSubscriber) Run(ctx context.Context) error {
	channels := make([]string, 0)
	for _, p := range s.router.Pipelines() {
		channels = append(channels, topic(s.channel, p))
	}

	sub := s.rc.Subscribe(ctx, channels...)
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "unable to subscribe")
	}
	logger.Infow("listening for signals", "transport", "redis", "channels", channels)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			dispatch(s.router, s.channel, msg.Channel, []byte(msg.Payload))
		}
	}
}

// PublishRedis sends a signal to a pipeline's recorder through redis.
func PublishRedis(ctx context.Context, rc redis.UniversalClient, channel, pipeline string, sig types.Signal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return errors.Wrap(rc.Publish(ctx, topic(channel, pipeline), b).Err(), "unable to publish")
}

func NewNATSConn(conf *config.NATSConfig) (*nats.Conn, error) {
	logger.Infow("connecting to nats", "url", conf.URL)
	nc, err := nats.Connect(conf.URL, nats.Name("rig"))
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to nats")
	}
	return nc, nil
}

// NATSSubscriber listens on <subject>.<pipeline> for every routed pipeline.
type NATSSubscriber struct {
	nc      *nats.Conn
	subject string
	router  *Router
}

func NewNATSSubscriber(nc *nats.Conn, subject string, router *Router) *NATSSubscriber {
	return &NATSSubscriber{
		nc:      nc,
		subject: subject,
		router:  router,
	}
}

func (s *NATSSubscriber) Run(ctx context.Context) error {
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	for _, p := range s.router.Pipelines() {
		sub, err := s.nc.Subscribe(topic(s.subject, p), func(msg *nats.Msg) {
			dispatch(s.router, s.subject, msg.Subject, msg.Data)
		})
		if err != nil {
			return errors.Wrap(err, "unable to subscribe")
		}
		subs = append(subs, sub)
	}
	logger.Infow("listening for signals", "transport", "nats", "subject", s.subject)

	<-ctx.Done()
	return ctx.Err()
}

// PublishNATS sends a signal to a pipeline's recorder through nats.
func PublishNATS(nc *nats.Conn, subject, pipeline string, sig types.Signal) error {
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	if err = nc.Publish(topic(subject, pipeline), b); err != nil {
		return errors.Wrap(err, "unable to publish")
	}
	return errors.Wrap(nc.Flush(), "unable to flush")
}
