package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/session"
	"procodus.dev/sensor-monitor/internal/store"
)

// Client calls the History service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) (*Client, error) {
	if cc == nil {
		return nil, errors.New("connection cannot be nil")
	}
	return &Client{cc: cc}, nil
}

// GetReadings fetches stored readings.
func (c *Client) GetReadings(ctx context.Context, q store.Query, opts ...grpc.CallOption) ([]ReadingView, error) {
	req, err := queryStruct(q)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetReadings, req, out, opts...); err != nil {
		return nil, err
	}
	var resp ReadingsResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Readings, nil
}

// GetAlerts fetches stored alerts.
func (c *Client) GetAlerts(ctx context.Context, q store.Query, opts ...grpc.CallOption) ([]alert.Payload, error) {
	req, err := queryStruct(q)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetAlerts, req, out, opts...); err != nil {
		return nil, err
	}
	var resp AlertsResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// WatchStream receives live envelopes.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next message.
func (w *WatchStream) Recv() (*session.Envelope, error) {
	msg := new(structpb.Struct)
	if err := w.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	env := new(session.Envelope)
	if err := fromStruct(msg, env); err != nil {
		return nil, err
	}
	return env, nil
}

// Watch opens a live stream on channels (both when empty). Cancel ctx to stop.
func (c *Client) Watch(ctx context.Context, channels []hub.Channel, opts ...grpc.CallOption) (*WatchStream, error) {
	names := make([]interface{}, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	req, err := structpb.NewStruct(map[string]interface{}{"channels": names})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatch, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}

func queryStruct(q store.Query) (*structpb.Struct, error) {
	fields := map[string]interface{}{}
	if q.SensorID != "" {
		fields["sensor_id"] = q.SensorID
	}
	if !q.Start.IsZero() {
		fields["start"] = q.Start.UTC().Format(time.RFC3339)
	}
	if !q.End.IsZero() {
		fields["end"] = q.End.UTC().Format(time.RFC3339)
	}
	if q.Limit > 0 {
		fields["limit"] = q.Limit
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
