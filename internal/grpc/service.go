// Package grpc serves the read-only spectator stream of live matches.
package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/metrics"
	"paddlearena/server/internal/simulation"
)

const (
	// ServiceName is the fully qualified name of the spectator service.
	ServiceName = "arena.spectator.v1.Spectator"
	// EncodingMetadataKey carries the requested frame codec and echoes the chosen one.
	EncodingMetadataKey = "x-frame-encoding"

	watchMethod   = "WatchMatch"
	defaultRateHz = 20.0
)

// SpectatorServer is the server API of the spectator service.
type SpectatorServer interface {
	WatchMatch(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

// ServiceDesc describes the spectator service for grpc.Server registration. Messages are the
// well-known wrapper types so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SpectatorServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    watchMethod,
		Handler:       watchMatchHandler,
		ServerStreams: true,
	}},
	Metadata: "arena/spectator/v1/spectator.proto",
}

func watchMatchHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SpectatorServer).WatchMatch(req, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// Register attaches srv to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, srv SpectatorServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

// WatchMatch opens a spectator stream on conn. encoding may be empty for the server default.
func WatchMatch(ctx context.Context, conn grpc.ClientConnInterface, matchID, encoding string) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	if encoding != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, EncodingMetadataKey, encoding)
	}
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/"+watchMethod)
	if err != nil {
		return nil, err
	}
	client := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ClientStream: stream}
	if err := client.ClientStream.SendMsg(wrapperspb.String(matchID)); err != nil {
		return nil, err
	}
	if err := client.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return client, nil
}

// Option customises the spectator service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithCompressor adds a codec and makes it the default.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.codecs[strings.ToLower(compressor.Name())] = compressor
			s.fallback = compressor
		}
	}
}

// WithRate caps the number of coalesced state frames per second.
func WithRate(hz float64) Option {
	return func(s *Service) {
		if hz > 0 {
			s.rateHz = hz
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics counts open spectator streams.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Service) { s.metrics = m }
}

// Service streams match frames to spectators.
type Service struct {
	feed      MatchFeed
	codecs    codecSet
	fallback  Compressor
	rateHz    float64
	newTicker tickerFactory
	log       *logging.Logger
	metrics   *metrics.Collectors
}

// NewService wires the spectator service to a match feed. gzip is the default codec and
// snappy is available on request.
func NewService(feed MatchFeed, opts ...Option) *Service {
	gz := NewGZIPCompressor()
	service := &Service{
		feed:      feed,
		codecs:    newCodecSet(gz, NewSnappyCompressor()),
		fallback:  gz,
		rateHz:    defaultRateHz,
		newTicker: defaultTickerFactory,
		log:       logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// WatchMatch relays the frames of one match. Lossy state frames are coalesced to the
// configured rate; reliable frames, the terminal one included, are always delivered in order.
func (s *Service) WatchMatch(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.feed == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	matchID := strings.TrimSpace(req.GetValue())
	if matchID == "" {
		return status.Error(codes.InvalidArgument, "match id required")
	}
	compressor, err := s.negotiate(ctx)
	if err != nil {
		return err
	}

	//1.- Subscribe before reading the snapshot so no frame falls between the two.
	frames, cancel, err := s.feed.Subscribe(matchID)
	if err != nil {
		return feedError(err)
	}
	defer cancel()
	snap, err := s.feed.Snapshot(matchID)
	if err != nil {
		return feedError(err)
	}

	s.metrics.ConnectionOpened("spectator")
	defer s.metrics.ConnectionClosed("spectator")
	logger := s.log.With(logging.MatchID(matchID), logging.String("encoding", compressor.Name()))
	logger.Debug("spectator attached")

	if err := stream.SetHeader(metadata.Pairs(EncodingMetadataKey, compressor.Name())); err != nil {
		return err
	}
	send := func(payload []byte) error {
		compressed, err := compressor.Compress(payload)
		if err != nil {
			return status.Errorf(codes.Internal, "compress frame: %v", err)
		}
		return stream.Send(wrapperspb.Bytes(compressed))
	}
	if err := send(simulation.EncodeFrame(simulation.FrameInit, snap)); err != nil {
		return err
	}

	tickCh, stop := s.newTicker(time.Duration(float64(time.Second) / s.rateHz))
	defer stop()

	var latest *fanout.Message
	flush := func() error {
		if latest == nil {
			return nil
		}
		payload := latest.Payload
		latest = nil
		return send(payload)
	}
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case msg, ok := <-frames:
			if !ok {
				//3.- The group closed after the terminal frame; drain and finish cleanly.
				if err := flush(); err != nil {
					return err
				}
				logger.Debug("spectator stream finished")
				return nil
			}
			if msg.Tick < snap.Tick {
				continue
			}
			if msg.Lossy {
				//4.- Only the newest state frame survives until the next tick.
				m := msg
				latest = &m
				continue
			}
			if err := flush(); err != nil {
				return err
			}
			if err := send(msg.Payload); err != nil {
				return err
			}
		case <-tickCh:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (s *Service) negotiate(ctx context.Context) (Compressor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	requested := md.Get(EncodingMetadataKey)
	if len(requested) == 0 || strings.TrimSpace(requested[0]) == "" {
		return s.fallback, nil
	}
	compressor, ok := s.codecs.lookup(requested[0])
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported encoding %q (supported: %s)",
			requested[0], strings.Join(s.codecs.names(), ", "))
	}
	return compressor, nil
}

func feedError(err error) error {
	if errors.Is(err, ErrUnknownMatch) {
		return status.Error(codes.NotFound, "match not found")
	}
	return status.Errorf(codes.Internal, "subscribe match: %v", err)
}

var _ SpectatorServer = (*Service)(nil)
