package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gammazero/workerpool"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/transport/v2/packetio"
	"github.com/pion/webrtc/v3"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"

	"github.com/dTelecom/rtptransport/pkg/config"
	"github.com/dTelecom/rtptransport/pkg/sfu/bwe"
	"github.com/dTelecom/rtptransport/pkg/sfu/track"
	"github.com/dTelecom/rtptransport/pkg/sfu/transport"
	telemetry "github.com/dTelecom/rtptransport/pkg/telemetry/prometheus"
)

const (
	defaultTransportCCExtensionID = 3
	baseSSRC                      = 0x1000
	maxPayloadSize                = 1200
	linkQueueSize                 = 1 << 20
	videoClockRate                = 90000
)

var simulateFlags = []cli.Flag{
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "how long to stream",
		Value: 10 * time.Second,
	},
	&cli.IntFlag{
		Name:  "streams",
		Usage: "number of video streams",
		Value: 3,
	},
	&cli.IntFlag{
		Name:  "fps",
		Usage: "frames per second of each stream",
		Value: 30,
	},
	&cli.Float64Flag{
		Name:  "loss",
		Usage: "packet loss rate of the media link",
		Value: 0.01,
	},
	&cli.Float64Flag{
		Name:  "drop",
		Usage: "share of packets the sender does not forward",
		Value: 0,
	},
	&cli.Int64Flag{
		Name:  "bottleneck",
		Usage: "media link capacity in bits per second, 0 is unlimited",
		Value: 2_000_000,
	},
}

type simulation struct {
	streams  int
	fps      int
	drop     float64
	sender   *transport.Transport
	receiver *transport.Transport
	forward  *link
	backward *link
	target   atomic.Int64
	logger   logger.Logger

	// one per stream, a stream is sent by one worker at a time
	streamLocks []sync.Mutex
	sequences   []uint16

	lock       sync.Mutex
	rng        *rand.Rand
	highestSNs map[uint32]uint16
	nacksSent  atomic.Uint64
}

func simulate(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if conf.TransportCC.ExtensionID == 0 {
		conf.TransportCC.ExtensionID = defaultTransportCCExtensionID
	}

	return withMemProfile(c, func() error {
		return runSimulation(c, conf)
	})
}

func runSimulation(c *cli.Context, conf *config.Config) error {
	registry := prom.NewRegistry()
	host := telemetry.NewHostMetrics(registry)
	if conf.PrometheusPort != 0 {
		stop, err := startMetricsServer(registry, conf.PrometheusPort)
		if err != nil {
			return err
		}
		defer stop()
	}

	s, err := newSimulation(conf, registry, c.Int("streams"), c.Int("fps"), c.Float64("drop"))
	if err != nil {
		return err
	}
	s.forward = newLink("media", c.Float64("loss"), c.Int64("bottleneck"), s.onMedia)
	s.backward = newLink("rtcp", 0, 0, s.onRTCP)
	s.sender.OnRTPOut(s.forward.send)
	s.receiver.OnRTCPOut(s.backward.send)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, c.Duration("duration"))
	defer cancelRun()

	s.sender.Start()
	s.receiver.Start()
	s.logger.Infow("starting simulation",
		"streams", s.streams,
		"duration", c.Duration("duration"),
		"bottleneck", c.Int64("bottleneck"),
		"loss", c.Float64("loss"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.forward.run(gctx) })
	g.Go(func() error { return s.backward.run(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })
	err = g.Wait()

	senderStats := s.sender.Stats()
	receiverStats := s.receiver.Stats()
	s.sender.Stop()
	s.receiver.Stop()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	s.printStats(senderStats, receiverStats, host.CPULoad())
	return nil
}

func newSimulation(conf *config.Config, reg prom.Registerer, streams int, fps int, drop float64) (*simulation, error) {
	if streams <= 0 || fps <= 0 {
		return nil, fmt.Errorf("streams and fps must be positive, got %d and %d", streams, fps)
	}

	s := &simulation{
		streams:     streams,
		fps:         fps,
		drop:        drop,
		sender:      transport.NewTransport(transportParams(conf, "sender", reg)),
		receiver:    transport.NewTransport(transportParams(conf, "receiver", reg)),
		logger:      logger.GetLogger().WithValues("component", "simulation"),
		streamLocks: make([]sync.Mutex, streams),
		sequences:   make([]uint16, streams),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		highestSNs:  make(map[uint32]uint16),
	}
	s.target.Store(conf.Estimator.StartBitrate)
	s.sender.AddBitrateObserver(bwe.BitrateObserverFunc(func(_ []uint32, bitrate int64) {
		s.target.Store(bitrate)
	}))

	var tracks []*track.TrackDescriptor
	for i := 0; i < streams; i++ {
		td, err := track.NewTrackDescriptor(track.TrackParams{
			OwnerEndpointID: "simulation",
			Kind:            webrtc.RTPCodecTypeVideo,
			Encodings: []track.EncodingParams{
				{PrimarySSRC: baseSSRC + uint32(i), TemporalID: track.NoLayer, SpatialID: track.NoLayer},
			},
		})
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, td)
	}
	s.receiver.Tracks().SetTracks(tracks)
	return s, nil
}

func (s *simulation) sendLoop(ctx context.Context) error {
	wp := workerpool.New(s.streams)
	defer wp.StopWait()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	frame := uint32(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			frame++
			frameBytes := int(s.target.Load() / 8 / int64(s.fps) / int64(s.streams))
			ts := frame * videoClockRate / uint32(s.fps)
			for i := 0; i < s.streams; i++ {
				stream := i
				wp.Submit(func() {
					s.sendFrame(stream, ts, frameBytes)
				})
			}
		}
	}
}

func (s *simulation) sendFrame(stream int, ts uint32, frameBytes int) {
	s.streamLocks[stream].Lock()
	defer s.streamLocks[stream].Unlock()

	ssrc := baseSSRC + uint32(stream)
	for remaining := frameBytes; remaining > 0; remaining -= maxPayloadSize {
		size := remaining
		if size > maxPayloadSize {
			size = maxPayloadSize
		}

		sn := s.sequences[stream]
		s.sequences[stream]++

		s.lock.Lock()
		accept := s.drop <= 0 || s.rng.Float64() >= s.drop
		s.lock.Unlock()

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: sn,
				Timestamp:      ts,
				SSRC:           ssrc,
				Marker:         remaining <= maxPayloadSize,
			},
			Payload: make([]byte, size),
		}
		if _, _, err := s.sender.SendRTP(pkt, accept); err != nil {
			s.logger.Debugw("could not send packet", "error", err, "ssrc", ssrc)
			return
		}
	}
}

func (s *simulation) onMedia(buf []byte) {
	if _, err := s.receiver.ReceiveRTP(buf); err != nil {
		s.logger.Debugw("could not receive packet", "error", err)
		return
	}

	var hdr rtp.Header
	if _, err := hdr.Unmarshal(buf); err != nil {
		return
	}
	if missing := s.detectLoss(hdr.SSRC, hdr.SequenceNumber); len(missing) != 0 {
		_, err := s.receiver.SendRTCP([]rtcp.Packet{
			&rtcp.TransportLayerNack{
				SenderSSRC: 1,
				MediaSSRC:  hdr.SSRC,
				Nacks:      rtcp.NackPairsFromSequenceNumbers(missing),
			},
		})
		if err == nil {
			s.nacksSent.Add(uint64(len(missing)))
		}
	}
}

// detectLoss returns the sequence numbers skipped before sn.
func (s *simulation) detectLoss(ssrc uint32, sn uint16) []uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()

	highest, ok := s.highestSNs[ssrc]
	if !ok {
		s.highestSNs[ssrc] = sn
		return nil
	}

	diff := sn - highest
	if diff == 0 || diff >= 0x8000 {
		// duplicate, retransmission or reordered
		return nil
	}
	s.highestSNs[ssrc] = sn

	var missing []uint16
	for missed := highest + 1; missed != sn; missed++ {
		missing = append(missing, missed)
	}
	return missing
}

func (s *simulation) onRTCP(buf []byte) {
	if err := s.sender.ReceiveRTCP(buf); err != nil {
		s.logger.Debugw("could not receive rtcp", "error", err)
	}
}

func (s *simulation) printStats(sender transport.Stats, receiver transport.Stats, cpuLoad float64) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"", "Sender", "Receiver"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
	})

	table.Append([]string{"Packets Out / In",
		humanize.Comma(int64(sender.PacketsOut)),
		humanize.Comma(int64(receiver.PacketsIn)),
	})
	table.Append([]string{"Bytes Out / In",
		humanize.Bytes(sender.BytesOut),
		humanize.Bytes(receiver.BytesIn),
	})
	table.Append([]string{"Link Lost / Queue Dropped",
		fmt.Sprintf("%d / %d", s.forward.lost.Load(), s.forward.dropped.Load()),
		"",
	})
	table.Append([]string{"NACKed Packets", "", humanize.Comma(int64(s.nacksSent.Load()))})
	table.Append([]string{"Cache Hits / Misses",
		fmt.Sprintf("%d / %d", sender.Cache.Hits, sender.Cache.Misses),
		"",
	})
	table.Append([]string{"Cache Size (max)",
		fmt.Sprintf("%s (%s)", humanize.Bytes(uint64(sender.Cache.TotalBytes)), humanize.Bytes(uint64(sender.Cache.MaxBytes))),
		"",
	})
	table.Append([]string{"Feedback Received / Sent",
		strconv.FormatUint(sender.TransportCC.FeedbackReceived, 10),
		strconv.FormatUint(receiver.TransportCC.FeedbackSent, 10),
	})
	table.Append([]string{"Reports Matched / Unmatched",
		fmt.Sprintf("%d / %d", sender.TransportCC.ReportsMatched, sender.TransportCC.ReportsUnmatched),
		"",
	})
	table.Append([]string{"Host CPU", fmt.Sprintf("%.1f%%", cpuLoad*100), ""})
	table.Append([]string{"Estimate", fmt.Sprintf("%sbps", humanize.SIWithDigits(float64(sender.Estimate), 2, "")), ""})
	table.Render()
}

// ------------------------------------------------

// link carries packets between the two transports, losing a share of them
// and delaying the rest by their serialization time at the link rate.
type link struct {
	name    string
	loss    float64
	rate    int64
	buffer  *packetio.Buffer
	deliver func(pkt []byte)

	rngLock sync.Mutex
	rng     *rand.Rand

	lost    atomic.Uint64
	dropped atomic.Uint64
}

func newLink(name string, loss float64, rate int64, deliver func(pkt []byte)) *link {
	buffer := packetio.NewBuffer()
	buffer.SetLimitSize(linkQueueSize)
	return &link{
		name:    name,
		loss:    loss,
		rate:    rate,
		buffer:  buffer,
		deliver: deliver,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *link) send(pkt []byte) {
	if l.loss > 0 {
		l.rngLock.Lock()
		lost := l.rng.Float64() < l.loss
		l.rngLock.Unlock()
		if lost {
			l.lost.Inc()
			return
		}
	}

	if _, err := l.buffer.Write(pkt); err != nil {
		l.dropped.Inc()
	}
}

func (l *link) run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.buffer.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, err := l.buffer.Read(buf)
		if err != nil {
			logger.Debugw("link closed", "link", l.name, "lost", l.lost.Load(), "dropped", l.dropped.Load())
			return nil
		}
		if l.rate > 0 {
			time.Sleep(time.Duration(int64(n) * 8 * int64(time.Second) / l.rate))
		}
		l.deliver(buf[:n])
	}
}

// ------------------------------------------------

func startMetricsServer(registry *prom.Registry, port uint32) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", err)
		}
	}()
	logger.Infow("metrics listening", "port", port)
	return func() { _ = server.Close() }, nil
}
