package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/session"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
	"procodus.dev/sensor-monitor/pkg/metrics"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sensormonitor.v1.History"

// Full method names.
const (
	MethodGetReadings = "/" + ServiceName + "/GetReadings"
	MethodGetAlerts   = "/" + ServiceName + "/GetAlerts"
	MethodWatch       = "/" + ServiceName + "/Watch"
)

// HistoryServer is the server API. Messages are google.protobuf.Struct so the
// service needs no generated code: requests carry sensor_id, start, end and
// limit; GetReadings and GetAlerts answer with the same JSON documents as the
// HTTP endpoints; Watch streams {channel, payload} envelopes.
type HistoryServer interface {
	GetReadings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the History service to grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetReadings", Handler: getReadingsHandler},
		{MethodName: "GetAlerts", Handler: getAlertsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "sensormonitor/v1/history.proto",
}

// RegisterHistoryServer registers srv on s.
func RegisterHistoryServer(s grpc.ServiceRegistrar, srv HistoryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getReadingsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HistoryServer).GetReadings(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetReadings}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HistoryServer).GetReadings(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getAlertsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HistoryServer).GetAlerts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetAlerts}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HistoryServer).GetAlerts(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(HistoryServer).Watch(in, stream)
}

// Service implements HistoryServer.
type Service struct {
	logger  *slog.Logger
	store   store.Gateway
	hub     session.Subscriber
	metrics *metrics.GRPCMetrics
	sessM   *metrics.SessionMetrics
}

// ServiceConfig holds the configuration for a Service.
type ServiceConfig struct {
	Logger *slog.Logger
	Store  store.Gateway
	Hub    session.Subscriber
	// Metrics and SessionMetrics are optional.
	Metrics        *metrics.GRPCMetrics
	SessionMetrics *metrics.SessionMetrics
}

// NewService creates a Service.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Hub == nil {
		return nil, errors.New("hub cannot be nil")
	}
	return &Service{
		logger:  logger.ForComponent(cfg.Logger, "history"),
		store:   cfg.Store,
		hub:     cfg.Hub,
		metrics: cfg.Metrics,
		sessM:   cfg.SessionMetrics,
	}, nil
}

// GetReadings implements HistoryServer.
func (s *Service) GetReadings(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	done := s.track("GetReadings")

	q, err := paramsFromStruct(req).Parse()
	if err != nil {
		done("error")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rs, err := s.store.Readings(ctx, q)
	if err != nil {
		s.logger.Error("failed to fetch readings", "error", err)
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to fetch readings: %v", err)
	}

	out, err := toStruct(newReadingsResponse(rs))
	if err != nil {
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to encode readings: %v", err)
	}
	s.logger.Debug("fetched readings", "count", len(rs))
	done("success")
	return out, nil
}

// GetAlerts implements HistoryServer.
func (s *Service) GetAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	done := s.track("GetAlerts")

	q, err := paramsFromStruct(req).Parse()
	if err != nil {
		done("error")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	es, err := s.store.Alerts(ctx, q)
	if err != nil {
		s.logger.Error("failed to fetch alerts", "error", err)
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to fetch alerts: %v", err)
	}

	out, err := toStruct(newAlertsResponse(es))
	if err != nil {
		done("error")
		return nil, status.Errorf(codes.Internal, "failed to encode alerts: %v", err)
	}
	s.logger.Debug("fetched alerts", "count", len(es))
	done("success")
	return out, nil
}

// Watch implements HistoryServer. It runs a session until the client cancels.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	var names []string
	for _, v := range req.GetFields()["channels"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	channels, err := session.ParseChannels(names, hub.Channels...)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sess, err := session.New(&session.Config{
		Logger:    s.logger,
		Hub:       s.hub,
		Transport: &streamTransport{stream: stream},
		Channels:  channels,
		Metrics:   s.sessM,
	})
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	err = sess.Run(stream.Context())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrDropped):
		return status.Error(codes.ResourceExhausted, "watcher fell behind and was dropped")
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func (s *Service) track(method string) func(status string) {
	if s.metrics == nil {
		return func(string) {}
	}
	s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))
	return func(status string) {
		timer.ObserveDuration()
		s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Dec()
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	}
}

// streamTransport sends hub messages as Struct envelopes on a server stream.
type streamTransport struct {
	stream grpc.ServerStream
}

func (t *streamTransport) Name() string { return "grpc" }

func (t *streamTransport) Closed() <-chan struct{} { return t.stream.Context().Done() }

func (t *streamTransport) Send(_ context.Context, channel hub.Channel, msg []byte) error {
	env, err := session.Wrap(channel, msg)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(env, out); err != nil {
		return err
	}
	return t.stream.SendMsg(out)
}

func paramsFromStruct(req *structpb.Struct) QueryParams {
	f := req.GetFields()
	p := QueryParams{
		SensorID: f["sensor_id"].GetStringValue(),
		Start:    f["start"].GetStringValue(),
		End:      f["end"].GetStringValue(),
	}
	switch v := f["limit"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		p.Limit = strconv.FormatInt(int64(v.NumberValue), 10)
	case *structpb.Value_StringValue:
		p.Limit = v.StringValue
	}
	return p
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("failed to convert: %w", err)
	}
	return out, nil
}

var _ HistoryServer = (*Service)(nil)
