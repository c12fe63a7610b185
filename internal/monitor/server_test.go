package monitor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"procodus.dev/sensor-monitor/internal/history"
	"procodus.dev/sensor-monitor/internal/monitor"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/internal/web"
	"procodus.dev/sensor-monitor/pkg/logger"
)

func freePort() int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = lis.Close() }()
	return lis.Addr().(*net.TCPAddr).Port
}

func validConfig() *monitor.ServerConfig {
	return &monitor.ServerConfig{
		Logger: logger.Discard(),
		Device: monitor.DeviceConfig{
			Path:              "sim://arduino?interval=20ms&seed=7",
			SensorID:          "1",
			SensorName:        "Bench",
			PollInterval:      5 * time.Millisecond,
			ReconnectInterval: 50 * time.Millisecond,
		},
		Storage:  monitor.StorageConfig{Driver: monitor.DriverMemory},
		HTTPPort: 8080,
		GRPCPort: 9090,
	}
}

var _ = Describe("Server", func() {
	Describe("NewServer", func() {
		It("should accept a valid configuration", func() {
			server, err := monitor.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(server).NotTo(BeNil())
		})

		It("should reject a nil config", func() {
			_, err := monitor.NewServer(nil)
			Expect(err).To(MatchError("server config cannot be nil"))
		})

		DescribeTable("should validate the configuration",
			func(mutate func(*monitor.ServerConfig), msg string) {
				cfg := validConfig()
				mutate(cfg)
				server, err := monitor.NewServer(cfg)
				Expect(err).To(MatchError(msg))
				Expect(server).To(BeNil())
			},
			Entry("nil logger", func(c *monitor.ServerConfig) { c.Logger = nil }, "logger cannot be nil"),
			Entry("empty device path", func(c *monitor.ServerConfig) { c.Device.Path = "" }, "device path cannot be empty"),
			Entry("negative poll interval", func(c *monitor.ServerConfig) { c.Device.PollInterval = -1 }, "device intervals cannot be negative"),
			Entry("negative buffer", func(c *monitor.ServerConfig) { c.HubBufferSize = -1 }, "hub buffer size cannot be negative"),
			Entry("zero HTTP port", func(c *monitor.ServerConfig) { c.HTTPPort = 0 }, "HTTP port must be positive"),
			Entry("zero gRPC port", func(c *monitor.ServerConfig) { c.GRPCPort = 0 }, "gRPC port must be positive"),
			Entry("unknown driver", func(c *monitor.ServerConfig) { c.Storage.Driver = "sqlite" }, `unknown storage driver "sqlite"`),
			Entry("postgres without host", func(c *monitor.ServerConfig) {
				c.Storage = monitor.StorageConfig{Driver: monitor.DriverPostgres, DBPort: 5432, DBUser: "u", DBName: "n"}
			}, "database host cannot be empty"),
			Entry("postgres without port", func(c *monitor.ServerConfig) {
				c.Storage = monitor.StorageConfig{Driver: monitor.DriverPostgres, DBHost: "h", DBUser: "u", DBName: "n"}
			}, "database port must be positive"),
			Entry("postgres without user", func(c *monitor.ServerConfig) {
				c.Storage = monitor.StorageConfig{Driver: monitor.DriverPostgres, DBHost: "h", DBPort: 5432, DBName: "n"}
			}, "database user cannot be empty"),
			Entry("postgres without name", func(c *monitor.ServerConfig) {
				c.Storage = monitor.StorageConfig{Driver: monitor.DriverPostgres, DBHost: "h", DBPort: 5432, DBUser: "u"}
			}, "database name cannot be empty"),
			Entry("influx without URL", func(c *monitor.ServerConfig) {
				c.Storage = monitor.StorageConfig{Driver: monitor.DriverInflux}
			}, "influx URL cannot be empty"),
			Entry("amqp relay without URL", func(c *monitor.ServerConfig) { c.Relay.AMQPEnabled = true },
				"amqp URL cannot be empty when the amqp relay is enabled"),
			Entry("mqtt relay without broker", func(c *monitor.ServerConfig) { c.Relay.MQTTEnabled = true },
				"mqtt broker cannot be empty when the mqtt relay is enabled"),
		)
	})

	Describe("Run", func() {
		var (
			cfg    *monitor.ServerConfig
			cancel context.CancelFunc
			errs   chan error
		)

		BeforeEach(func() {
			cfg = validConfig()
			cfg.HTTPPort = freePort()
			cfg.GRPCPort = freePort()

			server, err := monitor.NewServer(cfg)
			Expect(err).NotTo(HaveOccurred())

			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			errs = make(chan error, 1)
			go func() { errs <- server.Run(ctx) }()

			Eventually(func() error {
				resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.HTTPPort))
				if err != nil {
					return err
				}
				_ = resp.Body.Close()
				return nil
			}, 5*time.Second).Should(Succeed())
		})

		AfterEach(func() {
			cancel()
			Eventually(errs, 15*time.Second).Should(Receive(BeNil()))
		})

		It("should connect the simulated device", func() {
			Eventually(func() string {
				resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", cfg.HTTPPort))
				if err != nil {
					return err.Error()
				}
				defer func() { _ = resp.Body.Close() }()
				var status web.StatusResponse
				if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
					return err.Error()
				}
				return status.Device
			}, 5*time.Second).Should(Equal("CONNECTED"))
		})

		It("should persist readings and serve them over gRPC", func() {
			conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", cfg.GRPCPort),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()
			client, err := history.NewClient(conn)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				rs, err := client.GetReadings(context.Background(), store.Query{SensorID: "1"})
				if err != nil {
					return 0
				}
				return len(rs)
			}, 5*time.Second).Should(BeNumerically(">=", 2))
		})

		It("should stream live telemetry to gRPC watchers", func() {
			conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", cfg.GRPCPort),
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()
			client, err := history.NewClient(conn)
			Expect(err).NotTo(HaveOccurred())

			ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			stream, err := client.Watch(ctx, nil)
			Expect(err).NotTo(HaveOccurred())

			env, err := stream.Recv()
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Channel).NotTo(BeEmpty())
		})
	})
})
