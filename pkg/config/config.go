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
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	maxOneByteExtensionID = 14
)

var (
	ErrInvalidPacketCache = errors.New("invalid packet cache config")
	ErrInvalidExtensionID = errors.New("header extension id must be between 1 and 14")
	ErrInvalidEstimator   = errors.New("invalid estimator config")
)

type Config struct {
	PrometheusPort uint32            `yaml:"prometheus_port,omitempty"`
	PacketCache    PacketCacheConfig `yaml:"packet_cache,omitempty"`
	TransportCC    TransportCCConfig `yaml:"transport_cc,omitempty"`
	Estimator      EstimatorConfig   `yaml:"estimator,omitempty"`
	Logging        LoggingConfig     `yaml:"logging,omitempty"`
	Development    bool              `yaml:"development,omitempty"`
}

type PacketCacheConfig struct {
	MaxPackets    int           `yaml:"max_packets,omitempty"`
	MaxAge        time.Duration `yaml:"max_age,omitempty"`
	MaxSources    int           `yaml:"max_sources,omitempty"`
	IdleTimeout   time.Duration `yaml:"idle_timeout,omitempty"`
	PoolSize      int           `yaml:"pool_size,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

type TransportCCConfig struct {
	// 0 disables transport-cc
	ExtensionID               uint8         `yaml:"extension_id,omitempty" config:"allowempty"`
	FrameMarkingExtensionID   uint8         `yaml:"frame_marking_extension_id,omitempty" config:"allowempty"`
	FeedbackInterval          time.Duration `yaml:"feedback_interval,omitempty"`
	FeedbackIntervalAfterMark time.Duration `yaml:"feedback_interval_after_mark,omitempty"`
	MaxUnreportedPackets      int           `yaml:"max_unreported_packets,omitempty"`
	MaxIncomingPackets        int           `yaml:"max_incoming_packets,omitempty"`
	MaxOutgoingPackets        int           `yaml:"max_outgoing_packets,omitempty"`
	InitialSequenceNumber     uint16        `yaml:"initial_sequence_number,omitempty"`
	TickInterval              time.Duration `yaml:"tick_interval,omitempty"`
}

type EstimatorConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	MinBitrate    int64         `yaml:"min_bitrate,omitempty"`
	MaxBitrate    int64         `yaml:"max_bitrate,omitempty"`
	StartBitrate  int64         `yaml:"start_bitrate,omitempty"`
	StreamTimeout time.Duration `yaml:"stream_timeout,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	PacketCache: PacketCacheConfig{
		MaxPackets:    500,
		MaxAge:        time.Second,
		MaxSources:    50,
		IdleTimeout:   time.Second + 50*time.Millisecond,
		PoolSize:      100,
		SweepInterval: time.Second,
	},
	TransportCC: TransportCCConfig{
		FeedbackInterval:          100 * time.Millisecond,
		FeedbackIntervalAfterMark: 20 * time.Millisecond,
		MaxUnreportedPackets:      100,
		MaxIncomingPackets:        200,
		MaxOutgoingPackets:        1000,
		InitialSequenceNumber:     1,
		TickInterval:              20 * time.Millisecond,
	},
	Estimator: EstimatorConfig{
		Enabled:       true,
		MinBitrate:    30_000,
		MaxBitrate:    30_000_000,
		StartBitrate:  300_000,
		StreamTimeout: 2 * time.Second,
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if conf.Development {
		conf.Logging.Level = "debug"
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (conf *Config) Validate() error {
	pc := conf.PacketCache
	if pc.MaxPackets <= 0 || pc.MaxAge <= 0 || pc.MaxSources <= 0 {
		return errors.Wrapf(ErrInvalidPacketCache, "max_packets: %d, max_age: %s, max_sources: %d", pc.MaxPackets, pc.MaxAge, pc.MaxSources)
	}
	if pc.PoolSize < 0 {
		return errors.Wrapf(ErrInvalidPacketCache, "pool_size: %d", pc.PoolSize)
	}

	for name, id := range map[string]uint8{
		"transport_cc.extension_id":               conf.TransportCC.ExtensionID,
		"transport_cc.frame_marking_extension_id": conf.TransportCC.FrameMarkingExtensionID,
	} {
		if id > maxOneByteExtensionID {
			return errors.Wrapf(ErrInvalidExtensionID, "%s: %d", name, id)
		}
	}
	if conf.TransportCC.ExtensionID != 0 && conf.TransportCC.ExtensionID == conf.TransportCC.FrameMarkingExtensionID {
		return errors.Wrapf(ErrInvalidExtensionID, "transport-cc and frame marking share id %d", conf.TransportCC.ExtensionID)
	}

	if e := conf.Estimator; e.Enabled {
		if e.MinBitrate <= 0 || e.MinBitrate > e.StartBitrate || e.StartBitrate > e.MaxBitrate {
			return errors.Wrapf(ErrInvalidEstimator, "min: %d, start: %d, max: %d", e.MinBitrate, e.StartBitrate, e.MaxBitrate)
		}
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "rtptransport")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "rtptransport")
}
