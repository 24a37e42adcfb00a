package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatd/chatd/internal/bus"
	"github.com/chatd/chatd/internal/realtime"
	"github.com/chatd/chatd/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// StatsSource reports persisted row counts.
type StatsSource interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// UnreadCounter counts a user's unread inbound messages.
type UnreadCounter interface {
	CountUnread(ctx context.Context, userID string) (int64, error)
}

// Service implements AdminServer.
type Service struct {
	state  realtime.State
	store  StatsSource
	unread UnreadCounter
	bus    *bus.Bus
	log    *zap.Logger
}

var _ AdminServer = (*Service)(nil)

// NewService creates the admin service.
func NewService(state realtime.State, st StatsSource, unread UnreadCounter, b *bus.Bus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{state: state, store: st, unread: unread, bus: b, log: log}
}

// GetPresence reports every user seen since start, offline ones as false.
func (s *Service) GetPresence(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.state.Snapshot()
	fields := make(map[string]any, len(snap))
	for id, online := range snap {
		fields[id] = online
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode presence: %v", err)
	}
	return out, nil
}

// GetStats merges hub counters, bus counters and store row counts into one
// flat struct.
func (s *Service) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	hs := s.state.Stats()
	fields := map[string]any{
		"connections": hs.Connections,
		"users":       hs.Users,
		"online":      hs.Online,
		"timers":      hs.Timers,
		"uptime_ms":   time.Since(hs.StartedAt).Milliseconds(),
	}
	if s.bus != nil {
		fields["bus_subscribers"] = s.bus.Subscribers()
		fields["bus_dropped"] = s.bus.Dropped()
	}
	if s.store != nil {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "store stats: %v", err)
		}
		fields["conversations"] = st.Conversations
		fields["messages"] = st.Messages
		fields["unread"] = st.Unread
		fields["known_users"] = st.Users
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

// GetUnreadCount counts live unread messages addressed to the given user.
func (s *Service) GetUnreadCount(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user id is required")
	}
	n, err := s.unread.CountUnread(ctx, req.GetValue())
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "count unread: %v", err)
	}
	return wrapperspb.Int64(n), nil
}

// WatchEvents forwards bus events until the client goes away. Payloads
// are flattened through JSON so any event type fits in a Struct.
func (s *Service) WatchEvents(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not configured")
	}
	ch, unsub := s.bus.Subscribe(req.GetValue(), 64)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := eventStruct(evt)
			if err != nil {
				s.log.Warn("skip unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	var payload any
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	return structpb.NewStruct(map[string]any{
		"kind":      evt.Kind,
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   payload,
	})
}
