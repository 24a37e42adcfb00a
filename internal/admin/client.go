package admin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a running daemon's admin socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects lazily to the unix socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Presence(ctx context.Context) (map[string]bool, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod("GetPresence"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	snap := make(map[string]bool, len(out.GetFields()))
	for id, v := range out.GetFields() {
		snap[id] = v.GetBoolValue()
	}
	return snap, nil
}

func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod("GetStats"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) UnreadCount(ctx context.Context, userID string) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, fullMethod("GetUnreadCount"), wrapperspb.String(userID), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// WatchEvents calls fn for each event whose kind has the given prefix
// until ctx ends or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(map[string]any) error) error {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
