package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"paddleduel/broker/internal/events"
	"paddleduel/broker/internal/logging"
)

const (
	// OutcomeFeedServiceName is the fully qualified service name.
	OutcomeFeedServiceName = "pongmatch.v1.OutcomeFeed"
	// StreamOutcomesMethod is the full method path of the server-streaming RPC.
	StreamOutcomesMethod = "/" + OutcomeFeedServiceName + "/StreamOutcomes"

	defaultSubscriberBuffer = 32
	maxSubscriberBuffer     = 1024
)

// OutcomeFeedServer is the server API for the outcome feed.
type OutcomeFeedServer interface {
	StreamOutcomes(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// OutcomeFeedServiceDesc describes the feed for grpc.Server registration. Requests and events are
// google.protobuf.Struct messages so no generated stubs are needed.
var OutcomeFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: OutcomeFeedServiceName,
	HandlerType: (*OutcomeFeedServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamOutcomes",
			Handler:       streamOutcomesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pongmatch/v1/outcome_feed.proto",
}

func streamOutcomesHandler(srv interface{}, stream grpc.ServerStream) error {
	request := new(structpb.Struct)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(OutcomeFeedServer).StreamOutcomes(request, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// OutcomeFeedClient is the client API for the outcome feed.
type OutcomeFeedClient interface {
	StreamOutcomes(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type outcomeFeedClient struct {
	cc grpc.ClientConnInterface
}

// NewOutcomeFeedClient wraps a connection.
func NewOutcomeFeedClient(cc grpc.ClientConnInterface) OutcomeFeedClient {
	return &outcomeFeedClient{cc: cc}
}

func (c *outcomeFeedClient) StreamOutcomes(ctx context.Context, request *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &OutcomeFeedServiceDesc.Streams[0], StreamOutcomesMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(request); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// SubscribeRequest builds the request struct for a subscriber id and buffer size.
func SubscribeRequest(subscriberID string, buffer int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"subscriberId": subscriberID, "buffer": buffer})
}

// FeedOption customises the feed service.
type FeedOption func(*FeedService)

// WithFeedLogger overrides the service logger.
func WithFeedLogger(logger *logging.Logger) FeedOption {
	return func(s *FeedService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// FeedService streams match outcomes from the event stream to gRPC subscribers. Each event is
// acknowledged once it has been handed to the transport, so a subscriber that reconnects under the
// same id resumes after the last event it received.
type FeedService struct {
	stream *events.Stream
	logger *logging.Logger
}

// NewFeedService wires the service to the event stream.
func NewFeedService(stream *events.Stream, opts ...FeedOption) *FeedService {
	service := &FeedService{stream: stream, logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// StreamOutcomes implements OutcomeFeedServer.
func (s *FeedService) StreamOutcomes(request *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.stream == nil {
		return status.Error(codes.FailedPrecondition, "outcome feed unavailable")
	}
	fields := request.GetFields()
	subscriberID := fields["subscriberId"].GetStringValue()
	if subscriberID == "" {
		return status.Error(codes.InvalidArgument, "subscriberId is required")
	}
	buffer := int(fields["buffer"].GetNumberValue())
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if buffer > maxSubscriberBuffer {
		buffer = maxSubscriberBuffer
	}

	ctx := stream.Context()
	//1.- Subscribe with the caller's id so unacknowledged outcomes are replayed first.
	sub, err := s.stream.Subscribe(ctx, subscriberID, buffer)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe: %v", err)
	}
	defer sub.Close()
	s.logger.Info("outcome feed subscriber attached", logging.String("subscriber_id", subscriberID))

	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-sub.Done():
			return status.Error(codes.Aborted, "subscription replaced by a newer stream")
		case env := <-sub.Events():
			message, err := EnvelopeStruct(env)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event %d: %v", env.Sequence, err)
			}
			if err := stream.Send(message); err != nil {
				return err
			}
			//3.- Ack only after the send so a broken stream replays the event on reconnect.
			if err := sub.Ack(env.Sequence); err != nil {
				s.logger.Debug("outcome ack skipped",
					logging.String("subscriber_id", subscriberID),
					logging.Uint64("sequence", env.Sequence),
					logging.Error(err),
				)
			}
		}
	}
}

// EnvelopeStruct converts a stream envelope into the wire message.
func EnvelopeStruct(env *events.Envelope) (*structpb.Struct, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	message := &structpb.Struct{Fields: map[string]*structpb.Value{
		"sequence":   structpb.NewNumberValue(float64(env.Sequence)),
		"kind":       structpb.NewStringValue(string(env.Kind)),
		"recordedAt": structpb.NewStringValue(env.RecordedAt.UTC().Format(time.RFC3339Nano)),
	}}
	if env.Payload != nil {
		message.Fields["payload"] = structpb.NewStructValue(env.Payload)
	} else {
		message.Fields["payload"] = structpb.NewNullValue()
	}
	return message, nil
}
