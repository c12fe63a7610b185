package history_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/history"
	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
)

var _ = Describe("History gRPC service", func() {
	var (
		mem    *store.Memory
		h      *hub.Hub
		server *grpc.Server
		conn   *grpc.ClientConn
		client *history.Client
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)

		mem = store.NewMemory()
		var err error
		h, err = hub.New(&hub.Config{Logger: logger.Discard()})
		Expect(err).NotTo(HaveOccurred())

		svc, err := history.NewService(&history.ServiceConfig{
			Logger: logger.Discard(),
			Store:  mem,
			Hub:    h,
		})
		Expect(err).NotTo(HaveOccurred())

		lis := bufconn.Listen(1 << 20)
		server = grpc.NewServer()
		history.RegisterHistoryServer(server, svc)
		go func() { _ = server.Serve(lis) }()

		conn, err = grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		Expect(err).NotTo(HaveOccurred())

		client, err = history.NewClient(conn)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		_ = conn.Close()
		server.Stop()
		h.Close()
	})

	Describe("NewService", func() {
		It("should validate the configuration", func() {
			_, err := history.NewService(nil)
			Expect(err).To(MatchError("service config cannot be nil"))
			_, err = history.NewService(&history.ServiceConfig{Logger: logger.Discard(), Hub: h})
			Expect(err).To(MatchError("store cannot be nil"))
			_, err = history.NewService(&history.ServiceConfig{Logger: logger.Discard(), Store: mem})
			Expect(err).To(MatchError("hub cannot be nil"))
		})
	})

	Describe("NewClient", func() {
		It("should reject a nil connection", func() {
			_, err := history.NewClient(nil)
			Expect(err).To(MatchError("connection cannot be nil"))
		})
	})

	Context("with stored data", func() {
		var base time.Time

		BeforeEach(func() {
			base = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
			for i := range 3 {
				_, err := mem.WriteReading(ctx, &reading.SensorReading{
					Timestamp:   base.Add(time.Duration(i) * time.Minute),
					SensorID:    "1",
					Temperature: reading.Float(20 + float64(i)),
					Humidity:    reading.Float(50),
				})
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := mem.WriteAlert(ctx, &alert.Event{
				Timestamp: base, SensorID: "1", Type: alert.Smoke,
				Severity: alert.SeverityCritical, Message: "Smoke detected!",
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return readings newest first", func() {
			rs, err := client.GetReadings(ctx, store.Query{SensorID: "1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rs).To(HaveLen(3))
			Expect(*rs[0].Temperature).To(Equal(22.0))
			Expect(*rs[2].Temperature).To(Equal(20.0))
			Expect(rs[0].MotionDetected).To(BeNil())
		})

		It("should honour the limit", func() {
			rs, err := client.GetReadings(ctx, store.Query{Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(rs).To(HaveLen(2))
		})

		It("should return alerts", func() {
			as, err := client.GetAlerts(ctx, store.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(as).To(ConsistOf(alert.Payload{
				SensorID:  "1",
				AlertType: alert.Smoke,
				Severity:  alert.SeverityCritical,
				Message:   "Smoke detected!",
				Timestamp: base.Format(time.RFC3339Nano),
			}))
		})

		It("should filter by sensor", func() {
			rs, err := client.GetReadings(ctx, store.Query{SensorID: "2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rs).To(BeEmpty())
		})
	})

	It("should reject an inverted range", func() {
		now := time.Now()
		_, err := client.GetReadings(ctx, store.Query{Start: now, End: now.Add(-time.Hour)})
		Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
	})

	Describe("Watch", func() {
		It("should stream published messages on the requested channel", func() {
			stream, err := client.Watch(ctx, []hub.Channel{hub.Alerts})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int { return h.Count(hub.Alerts) }).Should(Equal(1))
			Expect(h.Count(hub.Telemetry)).To(BeZero())

			Expect(h.Publish(hub.Telemetry, []byte(`{"ignored":true}`))).To(Succeed())
			Expect(h.Publish(hub.Alerts, []byte(`{"alertType":"SMOKE"}`))).To(Succeed())

			env, err := stream.Recv()
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Channel).To(Equal(hub.Alerts))
			Expect([]byte(env.Payload)).To(MatchJSON(`{"alertType":"SMOKE"}`))
		})

		It("should subscribe to both channels by default", func() {
			_, err := client.Watch(ctx, nil)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int { return h.Count(hub.Telemetry) }).Should(Equal(1))
			Eventually(func() int { return h.Count(hub.Alerts) }).Should(Equal(1))
		})

		It("should unsubscribe when the client cancels", func() {
			watchCtx, stop := context.WithCancel(ctx)
			_, err := client.Watch(watchCtx, []hub.Channel{hub.Telemetry})
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return h.Count(hub.Telemetry) }).Should(Equal(1))

			stop()
			Eventually(func() int { return h.Count(hub.Telemetry) }).Should(BeZero())
		})

		It("should reject unknown channels", func() {
			stream, err := client.Watch(ctx, []hub.Channel{"weather"})
			Expect(err).NotTo(HaveOccurred())
			_, err = stream.Recv()
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})
})
