package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: debug
camera:
  enabled: true
  fps: 15
  relay:
    enabled: true
    identity: host
    write_timeout: 2s
  processing:
    enabled: true
imu:
  enabled: true
  recorder:
    on_sink_error: disarm
    branch:
      capacity: 64
      policy: reject_new
control:
  console: true
  redis:
    address: localhost:6379
  nats:
    url: nats://localhost:4222
storage:
  s3:
    bucket: recordings
`

func TestNewConfig(t *testing.T) {
	conf, err := NewConfig(testConfig)
	require.NoError(t, err)
	require.NotEmpty(t, conf.NodeID)

	require.Equal(t, 15, conf.Camera.FPS)
	require.Equal(t, defaultWidth, conf.Camera.Width)
	require.Equal(t, SourceSynthetic, conf.Camera.Source.Type)
	require.Equal(t, IdentityHost, conf.Camera.Relay.Identity)
	require.Equal(t, time.Second*2, conf.Camera.Relay.WriteTimeout)
	require.Equal(t, "/video", conf.Camera.Relay.Path)
	require.Equal(t, "drop_oldest", conf.Camera.Relay.Branch.Policy)
	require.Equal(t, "block", conf.Camera.Recorder.Branch.Policy)
	require.Equal(t, SinkErrorFatal, conf.Camera.Recorder.OnSinkError)

	require.Equal(t, SinkErrorDisarm, conf.IMU.Recorder.OnSinkError)
	require.Equal(t, 64, conf.IMU.Recorder.Branch.Capacity)
	require.Equal(t, "reject_new", conf.IMU.Recorder.Branch.Policy)
	require.Equal(t, "/imu", conf.IMU.Relay.Path)

	require.Equal(t, defaultControlTopic, conf.Control.Redis.Channel)
	require.Equal(t, defaultControlTopic, conf.Control.NATS.Subject)
	require.Equal(t, defaultCommandQueue, conf.Control.QueueSize)
	require.Equal(t, 5, conf.StorageConfig.S3.MaxRetries)
	require.False(t, conf.StorageConfig.IsLocal())
	require.False(t, conf.UploadsEnabled())
}

func TestInvalidConfig(t *testing.T) {
	for name, body := range map[string]string{
		"no pipelines":   "health_port: 9000",
		"bad yaml":       "camera: [",
		"bad policy":     "camera: {enabled: true, recorder: {branch: {policy: newest}}}",
		"bad source":     "camera: {enabled: true, source: {type: v4l2}}",
		"missing dir":    "camera: {enabled: true, source: {type: directory}}",
		"bad identity":   "imu: {enabled: true, relay: {identity: token}}",
		"bad sink":       "imu: {enabled: true, recorder: {on_sink_error: retry}}",
		"relative path":  "imu: {enabled: true, relay: {path: imu}}",
		"blocking relay": "camera: {enabled: true, relay: {enabled: true, branch: {policy: block, capacity: 2}}}",
		"redis no addr":  "imu: {enabled: true}\ncontrol: {redis: {channel: x}}",
		"nats no url":    "imu: {enabled: true}\ncontrol: {nats: {subject: x}}",
		"shared relay":   "camera: {enabled: true, relay: {enabled: true, path: /x}}\nimu: {enabled: true, relay: {enabled: true, path: /x}}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig(body)
			require.Error(t, err)
		})
	}
}

func TestDefaultControl(t *testing.T) {
	conf, err := NewConfig("imu: {enabled: true}")
	require.NoError(t, err)
	require.True(t, conf.Control.HTTP)
	require.Nil(t, conf.Camera)
}
