package main

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/config"
	"github.com/dTelecom/rtptransport/pkg/sfu/bwe"
	"github.com/dTelecom/rtptransport/pkg/sfu/packetcache"
	"github.com/dTelecom/rtptransport/pkg/sfu/transport"
	"github.com/dTelecom/rtptransport/pkg/sfu/twcc"
)

func transportParams(conf *config.Config, id string, reg prom.Registerer) transport.TransportParams {
	params := transport.TransportParams{
		ID: id,
		PacketCache: packetcache.Params{
			MaxPacketsPerSource: conf.PacketCache.MaxPackets,
			MaxAge:              conf.PacketCache.MaxAge,
			MaxSources:          conf.PacketCache.MaxSources,
			IdleTimeout:         conf.PacketCache.IdleTimeout,
			PoolSize:            conf.PacketCache.PoolSize,
		},
		SweepInterval: conf.PacketCache.SweepInterval,
		TransportCC: twcc.TransportCCParams{
			FeedbackInterval:          conf.TransportCC.FeedbackInterval,
			FeedbackIntervalAfterMark: conf.TransportCC.FeedbackIntervalAfterMark,
			MaxUnreportedPackets:      conf.TransportCC.MaxUnreportedPackets,
			MaxIncomingPackets:        conf.TransportCC.MaxIncomingPackets,
			MaxOutgoingPackets:        conf.TransportCC.MaxOutgoingPackets,
			InitialSequenceNumber:     conf.TransportCC.InitialSequenceNumber,
		},
		TransportCCExtensionID:  conf.TransportCC.ExtensionID,
		FrameMarkingExtensionID: conf.TransportCC.FrameMarkingExtensionID,
		TickInterval:            conf.TransportCC.TickInterval,
		Registerer:              reg,
		Logger:                  logger.GetLogger().WithValues("transport", id),
	}

	if conf.Estimator.Enabled {
		params.Estimator = &bwe.DelayBasedEstimatorParams{
			MinBitrate:    conf.Estimator.MinBitrate,
			MaxBitrate:    conf.Estimator.MaxBitrate,
			StartBitrate:  conf.Estimator.StartBitrate,
			StreamTimeout: conf.Estimator.StreamTimeout,
		}
	}
	return params
}
