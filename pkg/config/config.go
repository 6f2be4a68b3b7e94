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

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sensorrig/rig/pkg/errors"
	"github.com/sensorrig/rig/pkg/logger"
)

const (
	PipelineCamera = "camera"
	PipelineIMU    = "imu"

	defaultHealthPort    = 8090
	defaultCommandQueue  = 8
	defaultUploadQueue   = 16
	defaultControlTopic  = "rig.record"
	defaultOutputDir     = "recordings"
	defaultWriteTimeout  = time.Second * 5
	defaultPingPeriod    = time.Second * 30
	defaultRelayAddress  = "0.0.0.0:8080"
	defaultCameraPath    = "/video"
	defaultIMUPath       = "/imu"
	defaultWidth         = 1280
	defaultHeight        = 720
	defaultFPS           = 30
	defaultIMURate       = 100
	defaultSourceBuffer  = 4
	defaultBranchBuffer  = 16
	defaultRelayBuffer   = 2
	defaultGstEOSTimeout = time.Second * 5
)

type Config struct {
	NodeID string `yaml:"-"` // do not supply - will be overwritten

	Logging        *logger.Config `yaml:"logging"`         // logging config
	HealthPort     int            `yaml:"health_port"`     // status, health and http control port
	PrometheusPort int            `yaml:"prometheus_port"` // prometheus handler port, 0 to disable
	DebugPort      int            `yaml:"debug_port"`      // pprof handler port, 0 to disable

	Camera  *CameraConfig  `yaml:"camera"`  // camera pipeline
	IMU     *IMUConfig     `yaml:"imu"`     // inertial sensor pipeline
	Control *ControlConfig `yaml:"control"` // recorder command transports

	StorageConfig  *StorageConfig `yaml:"storage,omitempty"` // upload finished recordings
	BackupConfig   *StorageConfig `yaml:"backup,omitempty"`  // backup storage, for upload failures
	MaxUploadQueue int            `yaml:"max_upload_queue"`  // finished recordings waiting for upload
}

type CameraConfig struct {
	Enabled      bool             `yaml:"enabled"`
	Source       SourceConfig     `yaml:"source"`
	Width        int              `yaml:"width"`
	Height       int              `yaml:"height"`
	FPS          int              `yaml:"fps"`
	EOSTimeout   time.Duration    `yaml:"eos_timeout"` // how long to wait for the video container to finalize
	Recorder     RecorderConfig   `yaml:"recorder"`
	Relay        RelayConfig      `yaml:"relay"`
	Processing   ProcessingConfig `yaml:"processing"`
	SourceBuffer int              `yaml:"source_buffer"`
}

type IMUConfig struct {
	Enabled      bool           `yaml:"enabled"`
	Source       SourceConfig   `yaml:"source"`
	Rate         int            `yaml:"rate"` // samples per second for the synthetic source
	Recorder     RecorderConfig `yaml:"recorder"`
	Relay        RelayConfig    `yaml:"relay"`
	SourceBuffer int            `yaml:"source_buffer"`
}

type SourceType string

const (
	SourceSynthetic SourceType = "synthetic"
	SourceDirectory SourceType = "directory"
)

type SourceConfig struct {
	Type      SourceType `yaml:"type"`      // synthetic or directory
	Directory string     `yaml:"directory"` // watched for new jpeg files when type is directory
	Remove    bool       `yaml:"remove"`    // remove files from the directory once read
}

// BranchConfig is the capacity and backpressure policy of one fan-out output.
type BranchConfig struct {
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy"` // block, drop_oldest or reject_new
}

type SinkErrorPolicy string

const (
	SinkErrorFatal  SinkErrorPolicy = "fatal"
	SinkErrorDisarm SinkErrorPolicy = "disarm"
)

type RecorderConfig struct {
	OutputDir         string          `yaml:"output_dir"`          // generated paths are placed here
	FilePrefix        string          `yaml:"file_prefix"`         // generated file names start with this
	OnSinkError       SinkErrorPolicy `yaml:"on_sink_error"`       // fatal or disarm
	Upload            bool            `yaml:"upload"`              // upload closed recordings to storage
	DeleteAfterUpload bool            `yaml:"delete_after_upload"` // remove the local file once uploaded
	Branch            BranchConfig    `yaml:"branch"`
}

type IdentityMode string

const (
	IdentityAddr IdentityMode = "addr" // ip:port, a reconnect from a new port is a new identity
	IdentityHost IdentityMode = "host" // ip only
)

type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Path           string        `yaml:"path"`
	Identity       IdentityMode  `yaml:"identity"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // empty or "*" allows any origin
	// nothing reads the branch while no viewer is connected, so it must drop
	Branch BranchConfig `yaml:"branch"`
}

type ProcessingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Branch  BranchConfig `yaml:"branch"`
}

type ControlConfig struct {
	QueueSize int          `yaml:"queue_size"` // pending commands per recorder
	HTTP      bool         `yaml:"http"`       // POST /record/{pipeline} on the health port
	Console   bool         `yaml:"console"`    // read start/stop lines from stdin
	Redis     *RedisConfig `yaml:"redis"`      // subscribe to <channel>.<pipeline>
	NATS      *NATSConfig  `yaml:"nats"`       // subscribe to <subject>.<pipeline>
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	UseTLS   bool   `yaml:"use_tls"`
	Channel  string `yaml:"channel"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		Logging: &logger.Config{
			Level: "info",
		},
		HealthPort: defaultHealthPort,
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	// always create a new node ID
	conf.NodeID = uuid.NewString()

	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if err := conf.initLogger("nodeID", conf.NodeID); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.MaxUploadQueue <= 0 {
		c.MaxUploadQueue = defaultUploadQueue
	}
	c.StorageConfig.applyDefaults()
	c.BackupConfig.applyDefaults()
	if c.Control == nil {
		c.Control = &ControlConfig{HTTP: true}
	}
	if c.Control.QueueSize <= 0 {
		c.Control.QueueSize = defaultCommandQueue
	}
	if c.Control.Redis != nil && c.Control.Redis.Channel == "" {
		c.Control.Redis.Channel = defaultControlTopic
	}
	if c.Control.NATS != nil && c.Control.NATS.Subject == "" {
		c.Control.NATS.Subject = defaultControlTopic
	}

	if c.Camera != nil {
		cam := c.Camera
		if cam.Width <= 0 {
			cam.Width = defaultWidth
		}
		if cam.Height <= 0 {
			cam.Height = defaultHeight
		}
		if cam.FPS <= 0 {
			cam.FPS = defaultFPS
		}
		if cam.EOSTimeout <= 0 {
			cam.EOSTimeout = defaultGstEOSTimeout
		}
		if cam.SourceBuffer <= 0 {
			cam.SourceBuffer = defaultSourceBuffer
		}
		if cam.Source.Type == "" {
			cam.Source.Type = SourceSynthetic
		}
		cam.Recorder.applyDefaults(PipelineCamera)
		cam.Relay.applyDefaults(defaultCameraPath)
		if cam.Processing.Branch.Capacity <= 0 {
			cam.Processing.Branch.Capacity = defaultBranchBuffer
		}
		if cam.Processing.Branch.Policy == "" {
			cam.Processing.Branch.Policy = "block"
		}
	}

	if c.IMU != nil {
		imu := c.IMU
		if imu.Rate <= 0 {
			imu.Rate = defaultIMURate
		}
		if imu.SourceBuffer <= 0 {
			imu.SourceBuffer = defaultSourceBuffer
		}
		if imu.Source.Type == "" {
			imu.Source.Type = SourceSynthetic
		}
		imu.Recorder.applyDefaults(PipelineIMU)
		imu.Relay.applyDefaults(defaultIMUPath)
	}
}

func (r *RecorderConfig) applyDefaults(pipeline string) {
	if r.OutputDir == "" {
		r.OutputDir = defaultOutputDir
	}
	if r.FilePrefix == "" {
		r.FilePrefix = pipeline
	}
	if r.OnSinkError == "" {
		r.OnSinkError = SinkErrorFatal
	}
	// recordings must never lose frames
	if r.Branch.Capacity <= 0 {
		r.Branch.Capacity = defaultBranchBuffer
	}
	if r.Branch.Policy == "" {
		r.Branch.Policy = "block"
	}
}

func (r *RelayConfig) applyDefaults(path string) {
	if r.Address == "" {
		r.Address = defaultRelayAddress
	}
	if r.Path == "" {
		r.Path = path
	}
	if r.Identity == "" {
		r.Identity = IdentityAddr
	}
	if r.WriteTimeout <= 0 {
		r.WriteTimeout = defaultWriteTimeout
	}
	if r.PingPeriod <= 0 {
		r.PingPeriod = defaultPingPeriod
	}
	// live viewers want the freshest frame
	if r.Branch.Capacity <= 0 {
		r.Branch.Capacity = defaultRelayBuffer
	}
	if r.Branch.Policy == "" {
		r.Branch.Policy = "drop_oldest"
	}
}

func (c *Config) Validate() error {
	cameraOn := c.Camera != nil && c.Camera.Enabled
	imuOn := c.IMU != nil && c.IMU.Enabled
	if !cameraOn && !imuOn {
		return errors.ErrInvalidConfig("pipelines", "at least one of camera or imu must be enabled")
	}

	if cameraOn {
		if err := validateSource("camera.source", c.Camera.Source); err != nil {
			return err
		}
		if err := validateRecorder("camera.recorder", &c.Camera.Recorder); err != nil {
			return err
		}
		if err := validateRelay("camera.relay", &c.Camera.Relay); err != nil {
			return err
		}
		if err := validateBranch("camera.processing.branch", c.Camera.Processing.Branch); err != nil {
			return err
		}
	}
	if imuOn {
		if c.IMU.Source.Type != SourceSynthetic {
			return errors.ErrInvalidConfig("imu.source.type", "only synthetic is supported")
		}
		if err := validateRecorder("imu.recorder", &c.IMU.Recorder); err != nil {
			return err
		}
		if err := validateRelay("imu.relay", &c.IMU.Relay); err != nil {
			return err
		}
	}
	if cameraOn && imuOn && c.Camera.Relay.Enabled && c.IMU.Relay.Enabled &&
		c.Camera.Relay.Address == c.IMU.Relay.Address && c.Camera.Relay.Path == c.IMU.Relay.Path {
		return errors.ErrInvalidConfig("relay.path", "camera and imu relays share an address and path")
	}

	if c.Control.Redis != nil && c.Control.Redis.Address == "" {
		return errors.ErrInvalidConfig("control.redis.address", "required")
	}
	if c.Control.NATS != nil && c.Control.NATS.URL == "" {
		return errors.ErrInvalidConfig("control.nats.url", "required")
	}
	return nil
}

func validateSource(field string, s SourceConfig) error {
	switch s.Type {
	case SourceSynthetic:
	case SourceDirectory:
		if s.Directory == "" {
			return errors.ErrInvalidConfig(field+".directory", "required for directory sources")
		}
	default:
		return errors.ErrInvalidConfig(field+".type", fmt.Sprintf("unknown source %q", s.Type))
	}
	return nil
}

func validateRecorder(field string, r *RecorderConfig) error {
	switch r.OnSinkError {
	case SinkErrorFatal, SinkErrorDisarm:
	default:
		return errors.ErrInvalidConfig(field+".on_sink_error", fmt.Sprintf("unknown policy %q", r.OnSinkError))
	}
	return validateBranch(field+".branch", r.Branch)
}

func validateRelay(field string, r *RelayConfig) error {
	switch r.Identity {
	case IdentityAddr, IdentityHost:
	default:
		return errors.ErrInvalidConfig(field+".identity", fmt.Sprintf("unknown identity mode %q", r.Identity))
	}
	if r.Path == "" || r.Path[0] != '/' {
		return errors.ErrInvalidConfig(field+".path", "must start with /")
	}
	if r.Branch.Policy == "block" {
		return errors.ErrInvalidConfig(field+".branch.policy", "block would stall the pipeline while no viewer is connected")
	}
	return validateBranch(field+".branch", r.Branch)
}

func validateBranch(field string, b BranchConfig) error {
	switch b.Policy {
	case "block", "drop_oldest", "reject_new":
	default:
		return errors.ErrInvalidConfig(field+".policy", fmt.Sprintf("unknown policy %q", b.Policy))
	}
	if b.Policy != "block" && b.Capacity <= 0 {
		return errors.ErrInvalidConfig(field+".capacity", "must be positive for dropping policies")
	}
	return nil
}

func (c *Config) initLogger(values ...interface{}) error {
	// gstreamer reads its own log level from the environment
	if _, exists := os.LookupEnv("GST_DEBUG"); !exists {
		var gstDebug string
		switch c.Logging.Level {
		case "debug":
			gstDebug = "3"
		case "info", "warn":
			gstDebug = "2"
		default:
			gstDebug = "1"
		}
		if err := os.Setenv("GST_DEBUG", gstDebug); err != nil {
			return err
		}
	}

	return logger.Init(c.Logging, "rig", values...)
}

func (c *Config) UploadsEnabled() bool {
	return c.StorageConfig != nil &&
		((c.Camera != nil && c.Camera.Enabled && c.Camera.Recorder.Upload) ||
			(c.IMU != nil && c.IMU.Enabled && c.IMU.Recorder.Upload))
}
