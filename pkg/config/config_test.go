package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dTelecom/rtptransport/pkg/config/configtest"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 500, conf.PacketCache.MaxPackets)
	require.Equal(t, time.Second, conf.PacketCache.MaxAge)
	require.Equal(t, 50, conf.PacketCache.MaxSources)
	require.Equal(t, 100*time.Millisecond, conf.TransportCC.FeedbackInterval)
	require.Equal(t, 20*time.Millisecond, conf.TransportCC.FeedbackIntervalAfterMark)
	require.Equal(t, 100, conf.TransportCC.MaxUnreportedPackets)
	require.True(t, conf.Estimator.Enabled)
	require.Equal(t, "info", conf.Logging.Level)
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `packet_cache:
  max_sources: 10
transport_cc:
  extension_id: 3
  feedback_interval: 50ms`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 10, conf.PacketCache.MaxSources)
	require.Equal(t, 500, conf.PacketCache.MaxPackets)
	require.Equal(t, uint8(3), conf.TransportCC.ExtensionID)
	require.Equal(t, 50*time.Millisecond, conf.TransportCC.FeedbackInterval)
	require.Equal(t, 20*time.Millisecond, conf.TransportCC.FeedbackIntervalAfterMark)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
packet_cache:
  max_sources: 10`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	_, err = NewConfig(content, false, nil, nil)
	require.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("extension id out of range", func(t *testing.T) {
		_, err := NewConfig("transport_cc:\n  extension_id: 15", true, nil, nil)
		require.ErrorIs(t, err, ErrInvalidExtensionID)
	})

	t.Run("shared extension id", func(t *testing.T) {
		_, err := NewConfig("transport_cc:\n  extension_id: 4\n  frame_marking_extension_id: 4", true, nil, nil)
		require.ErrorIs(t, err, ErrInvalidExtensionID)
	})

	t.Run("negative cache bound", func(t *testing.T) {
		_, err := NewConfig("packet_cache:\n  max_packets: -1", true, nil, nil)
		require.ErrorIs(t, err, ErrInvalidPacketCache)
	})

	t.Run("start bitrate above max", func(t *testing.T) {
		_, err := NewConfig("estimator:\n  start_bitrate: 50000000", true, nil, nil)
		require.ErrorIs(t, err, ErrInvalidEstimator)
	})

	t.Run("estimator bounds ignored when disabled", func(t *testing.T) {
		_, err := NewConfig("estimator:\n  enabled: false\n  start_bitrate: 50000000", true, nil, nil)
		require.NoError(t, err)
	})
}

func TestConfig_DevelopmentLogging(t *testing.T) {
	conf, err := NewConfig("development: true", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "debug", conf.Logging.Level)
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, false)
	require.NoError(t, err)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("test", 0)
	set.Uint("prometheus_port", 0, "")                    // uint32
	set.Int("packet_cache.max_sources", 0, "")            // int
	set.Uint("transport_cc.extension_id", 0, "")          // uint8
	set.Duration("transport_cc.feedback_interval", 0, "") // duration
	set.Bool("estimator.enabled", true, "")               // bool
	for name, value := range map[string]string{
		"prometheus_port":                "9999",
		"packet_cache.max_sources":       "20",
		"transport_cc.extension_id":      "5",
		"transport_cc.feedback_interval": "40ms",
		"estimator.enabled":              "false",
	} {
		require.NoError(t, set.Set(name, value))
	}

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, 20, conf.PacketCache.MaxSources)
	require.Equal(t, uint8(5), conf.TransportCC.ExtensionID)
	require.Equal(t, 40*time.Millisecond, conf.TransportCC.FeedbackInterval)
	require.False(t, conf.Estimator.Enabled)
}

func TestYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}
