package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"paddleduel/broker/internal/events"
	"paddleduel/broker/internal/logging"
)

func startFeed(t *testing.T, stream *events.Stream, opts ...grpc.ServerOption) *grpc.ClientConn {
	t.Helper()
	if err := RegisterCompressors(); err != nil {
		t.Fatalf("register compressors: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	server := NewServer(NewFeedService(stream, WithFeedLogger(logging.NewTestLogger())), logging.NewTestLogger(), opts...)
	go server.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		server.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func publish(t *testing.T, stream *events.Stream, sessionID string) uint64 {
	t.Helper()
	payload, err := structpb.NewStruct(map[string]any{"sessionId": sessionID})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	seq, err := stream.Publish(events.KindMatchEnded, payload)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return seq
}

func subscribe(t *testing.T, ctx context.Context, conn *grpc.ClientConn, id string, opts ...grpc.CallOption) grpc.ServerStreamingClient[structpb.Struct] {
	t.Helper()
	request, err := SubscribeRequest(id, 8)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	feed, err := NewOutcomeFeedClient(conn).StreamOutcomes(ctx, request, opts...)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	return feed
}

func TestStreamOutcomesDeliversEvents(t *testing.T) {
	stream := events.NewStream(events.Config{})
	conn := startFeed(t, stream)
	publish(t, stream, "before-subscribe")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	feed := subscribe(t, ctx, conn, "ledger", grpc.UseCompressor("zstd"))

	first, err := feed.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if first.GetFields()["sequence"].GetNumberValue() != 1 || first.GetFields()["kind"].GetStringValue() != "match_ended" {
		t.Fatalf("unexpected first event %v", first)
	}

	publish(t, stream, "live")
	second, err := feed.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	payload := second.GetFields()["payload"].GetStructValue().GetFields()
	if payload["sessionId"].GetStringValue() != "live" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestStreamOutcomesResumesAfterReconnect(t *testing.T) {
	stream := events.NewStream(events.Config{})
	conn := startFeed(t, stream)
	publish(t, stream, "one")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	feed := subscribe(t, ctx, conn, "ledger", grpc.UseCompressor("snappy"))
	if _, err := feed.Recv(); err != nil {
		t.Fatalf("recv: %v", err)
	}
	cancel()

	//1.- Wait for the server to observe the cancelled stream before publishing again.
	deadline := time.Now().Add(time.Second)
	for stream.Stats().Active != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	publish(t, stream, "two")

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	feed = subscribe(t, ctx, conn, "ledger")
	next, err := feed.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if next.GetFields()["sequence"].GetNumberValue() != 2 {
		t.Fatalf("expected resume at sequence 2, got %v", next)
	}
}

func TestStreamOutcomesRequiresSubscriberID(t *testing.T) {
	conn := startFeed(t, events.NewStream(events.Config{}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	feed := subscribe(t, ctx, conn, "")
	if _, err := feed.Recv(); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSharedSecretGuardsFeedButNotHealth(t *testing.T) {
	stream := events.NewStream(events.Config{})
	conn := startFeed(t, stream, grpc.ChainStreamInterceptor(NewSharedSecretStreamInterceptor("hunter2")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	feed := subscribe(t, ctx, conn, "ledger")
	if _, err := feed.Recv(); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	publish(t, stream, "guarded")
	authed := metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, "hunter2")
	feed = subscribe(t, authed, conn, "ledger")
	if _, err := feed.Recv(); err != nil {
		t.Fatalf("expected events with the secret: %v", err)
	}

	response, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: OutcomeFeedServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health %v", response.GetStatus())
	}
}

func TestEnvelopeStruct(t *testing.T) {
	message, err := EnvelopeStruct(&events.Envelope{Sequence: 3, Kind: events.KindMatchEnded, RecordedAt: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, isNull := message.GetFields()["payload"].GetKind().(*structpb.Value_NullValue); !isNull {
		t.Fatalf("expected null payload, got %v", message.GetFields()["payload"])
	}
	if message.GetFields()["recordedAt"].GetStringValue() != "1970-01-01T00:00:00Z" {
		t.Fatalf("unexpected timestamp %v", message.GetFields()["recordedAt"])
	}
	if _, err := EnvelopeStruct(nil); err == nil {
		t.Fatalf("expected nil envelope to fail")
	}
}

func TestEnvelopeStructJSONShape(t *testing.T) {
	payload, err := structpb.NewStruct(map[string]any{"winner": "p1"})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	message, err := EnvelopeStruct(&events.Envelope{Sequence: 9, Kind: events.KindMatchEnded, RecordedAt: time.Unix(0, 0), Payload: payload})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := protojson.Marshal(message)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded structpb.Struct
	if err := protojson.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	if got := decoded.GetFields()["payload"].GetStructValue().GetFields()["winner"].GetStringValue(); got != "p1" {
		t.Fatalf("payload lost in JSON round trip: %s", raw)
	}
	if decoded.GetFields()["sequence"].GetNumberValue() != 9 {
		t.Fatalf("unexpected sequence in %s", raw)
	}
}
