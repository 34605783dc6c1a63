package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"paddlearena/server/internal/fanout"
	"paddlearena/server/internal/logging"
	"paddlearena/server/internal/match"
)

type feedStub struct {
	frames chan fanout.Message
	snap   match.Snapshot
	err    error
}

func (f *feedStub) Subscribe(string) (<-chan fanout.Message, func(), error) {
	if f.err != nil {
		return nil, func() {}, f.err
	}
	return f.frames, func() {}, nil
}

func (f *feedStub) Snapshot(string) (match.Snapshot, error) {
	return f.snap, f.err
}

type watchStreamStub struct {
	ctx    context.Context
	header metadata.MD
	frames []*wrapperspb.BytesValue
}

func (s *watchStreamStub) Send(frame *wrapperspb.BytesValue) error {
	s.frames = append(s.frames, frame)
	return nil
}

func (s *watchStreamStub) SetHeader(md metadata.MD) error {
	s.header = metadata.Join(s.header, md)
	return nil
}
func (s *watchStreamStub) SendHeader(metadata.MD) error { return nil }
func (s *watchStreamStub) SetTrailer(metadata.MD)       {}
func (s *watchStreamStub) Context() context.Context     { return s.ctx }
func (s *watchStreamStub) SendMsg(m any) error          { return s.Send(m.(*wrapperspb.BytesValue)) }
func (s *watchStreamStub) RecvMsg(any) error            { return nil }

var _ grpc.ServerStreamingServer[wrapperspb.BytesValue] = (*watchStreamStub)(nil)

type decodedFrame struct {
	Type   string `json:"type"`
	Tick   uint64 `json:"tick"`
	Status string `json:"status"`
}

func decodeFrames(t *testing.T, compressor Compressor, frames []*wrapperspb.BytesValue) []decodedFrame {
	t.Helper()
	out := make([]decodedFrame, 0, len(frames))
	for i, frame := range frames {
		raw, err := compressor.Decompress(frame.GetValue())
		if err != nil {
			t.Fatalf("frame %d decompress: %v", i, err)
		}
		var decoded decodedFrame
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("frame %d decode: %v", i, err)
		}
		out = append(out, decoded)
	}
	return out
}

func stateFrame(tick uint64, lossy bool) fanout.Message {
	payload, _ := json.Marshal(decodedFrame{Type: "state", Tick: tick})
	return fanout.Message{Tick: tick, Payload: payload, Lossy: lossy}
}

func idleTicker(time.Duration) (<-chan time.Time, func()) {
	return make(chan time.Time), func() {}
}

func TestWatchMatchCoalescesLossyFrames(t *testing.T) {
	feed := &feedStub{frames: make(chan fanout.Message, 8), snap: match.Snapshot{MatchID: "m-1", Tick: 5}}
	feed.frames <- stateFrame(4, true)
	feed.frames <- stateFrame(6, true)
	feed.frames <- stateFrame(7, true)
	feed.frames <- stateFrame(8, true)
	feed.frames <- stateFrame(9, false)
	close(feed.frames)

	service := NewService(feed, WithTickerFactory(idleTicker), WithLogger(logging.NewTestLogger()))
	stream := &watchStreamStub{ctx: context.Background()}
	if err := service.WatchMatch(wrapperspb.String("m-1"), stream); err != nil {
		t.Fatalf("watch match: %v", err)
	}

	frames := decodeFrames(t, NewGZIPCompressor(), stream.frames)
	if len(frames) != 3 {
		t.Fatalf("expected init plus two frames, got %+v", frames)
	}
	if frames[0].Type != "init" || frames[0].Tick != 5 {
		t.Fatalf("unexpected first frame %+v", frames[0])
	}
	if frames[1].Tick != 8 || frames[2].Tick != 9 {
		t.Fatalf("expected newest lossy frame before the reliable one, got %+v", frames[1:])
	}
	if got := stream.header.Get(EncodingMetadataKey); len(got) != 1 || got[0] != "gzip" {
		t.Fatalf("unexpected encoding header %v", got)
	}
}

func TestWatchMatchFlushesOnTick(t *testing.T) {
	feed := &feedStub{frames: make(chan fanout.Message), snap: match.Snapshot{MatchID: "m-1"}}
	tickCh := make(chan time.Time)
	service := NewService(feed, WithLogger(logging.NewTestLogger()), WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) {
		return tickCh, func() {}
	}))
	stream := &watchStreamStub{ctx: context.Background()}
	done := make(chan error, 1)
	go func() {
		done <- service.WatchMatch(wrapperspb.String("m-1"), stream)
	}()

	//1.- Unbuffered channels make the interleaving deterministic.
	feed.frames <- stateFrame(1, true)
	tickCh <- time.Now()
	tickCh <- time.Now()
	feed.frames <- stateFrame(2, true)
	feed.frames <- stateFrame(3, true)
	close(feed.frames)

	if err := <-done; err != nil {
		t.Fatalf("watch match: %v", err)
	}
	frames := decodeFrames(t, NewGZIPCompressor(), stream.frames)
	if len(frames) != 3 || frames[1].Tick != 1 || frames[2].Tick != 3 {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestWatchMatchNegotiatesSnappy(t *testing.T) {
	feed := &feedStub{frames: make(chan fanout.Message), snap: match.Snapshot{MatchID: "m-1", Tick: 2}}
	close(feed.frames)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(EncodingMetadataKey, "snappy"))
	stream := &watchStreamStub{ctx: ctx}
	if err := NewService(feed, WithTickerFactory(idleTicker)).WatchMatch(wrapperspb.String("m-1"), stream); err != nil {
		t.Fatalf("watch match: %v", err)
	}
	frames := decodeFrames(t, NewSnappyCompressor(), stream.frames)
	if len(frames) != 1 || frames[0].Type != "init" {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if got := stream.header.Get(EncodingMetadataKey); len(got) != 1 || got[0] != "snappy" {
		t.Fatalf("unexpected encoding header %v", got)
	}
}

func TestWatchMatchRejections(t *testing.T) {
	service := NewService(&feedStub{err: ErrUnknownMatch}, WithTickerFactory(idleTicker))
	cases := []struct {
		name    string
		ctx     context.Context
		matchID string
		code    codes.Code
	}{
		{name: "empty id", ctx: context.Background(), matchID: " ", code: codes.InvalidArgument},
		{name: "unknown match", ctx: context.Background(), matchID: "m-404", code: codes.NotFound},
		{
			name:    "unknown encoding",
			ctx:     metadata.NewIncomingContext(context.Background(), metadata.Pairs(EncodingMetadataKey, "zstd")),
			matchID: "m-1",
			code:    codes.InvalidArgument,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := service.WatchMatch(wrapperspb.String(tc.matchID), &watchStreamStub{ctx: tc.ctx})
			if status.Code(err) != tc.code {
				t.Fatalf("expected %v, got %v", tc.code, err)
			}
		})
	}

	failing := NewService(&feedStub{err: errors.New("boom")})
	if err := failing.WatchMatch(wrapperspb.String("m-1"), &watchStreamStub{ctx: context.Background()}); status.Code(err) != codes.Internal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestWatchMatchOverGRPC(t *testing.T) {
	registry := match.NewRegistry()
	hub := fanout.NewHub()
	state, err := match.NewState(match.Params{ID: "m-1", Player1: "alice", Player2: "bob"})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	if err := registry.Create("m-1", state); err != nil {
		t.Fatalf("create: %v", err)
	}

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.ChainStreamInterceptor(NewSharedSecretInterceptor("hunter2")))
	Register(server, NewService(NewHubFeed(registry, hub), WithLogger(logging.NewTestLogger())))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	//1.- Without the secret the stream fails on first receive.
	anon, err := WatchMatch(ctx, conn, "m-1", "")
	if err == nil {
		_, err = anon.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, "hunter2")
	missing, err := WatchMatch(authed, conn, "m-404", "")
	if err == nil {
		_, err = missing.Recv()
	}
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	stream, err := WatchMatch(authed, conn, "m-1", "snappy")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv init: %v", err)
	}
	frames := decodeFrames(t, NewSnappyCompressor(), []*wrapperspb.BytesValue{first})
	if frames[0].Type != "init" {
		t.Fatalf("unexpected first frame %+v", frames[0])
	}

	//2.- The subscription exists once init arrived; the terminal frame and the close follow.
	payload, _ := json.Marshal(decodedFrame{Type: "state", Status: "done", Tick: 1})
	hub.Publish("m-1", fanout.Message{Tick: 1, Payload: payload})
	hub.CloseGroup("m-1")

	last, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv terminal: %v", err)
	}
	frames = decodeFrames(t, NewSnappyCompressor(), []*wrapperspb.BytesValue{last})
	if frames[0].Status != "done" {
		t.Fatalf("unexpected terminal frame %+v", frames[0])
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after terminal frame, got %v", err)
	}
}
