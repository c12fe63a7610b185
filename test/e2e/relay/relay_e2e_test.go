package relay_test

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/relay"
	"procodus.dev/sensor-monitor/pkg/mq"
	e2econtainers "procodus.dev/sensor-monitor/test/e2e/testcontainers"
)

type received struct {
	topic   string
	payload []byte
}

// startRelay runs r until the test ends and waits for its subscriptions.
func startRelay(h *hub.Hub, r *relay.Relay, channels ...hub.Channel) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	DeferCleanup(func() {
		cancel()
		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
		Expect(r.Close()).To(Succeed())
	})

	for _, c := range channels {
		Eventually(func() int { return h.Count(c) }, 5*time.Second).Should(Equal(1))
	}
}

var _ = Describe("AMQP relay E2E", func() {
	var (
		h        *hub.Hub
		exchange string
		consumer *mq.Client
	)

	newClient := func() *mq.Client {
		c, err := mq.New(&mq.Config{
			Logger:         testLogger,
			URL:            mqEndpoint.URL,
			Exchange:       exchange,
			RoutingKeys:    relay.RoutingKeys(),
			ReconnectDelay: 500 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(c.Ready, 15*time.Second, 100*time.Millisecond).Should(BeTrue())
		return c
	}

	BeforeEach(func() {
		var err error
		h, err = hub.New(&hub.Config{Logger: testLogger})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(h.Close)

		exchange = "e2e-" + uuid.NewString()
		consumer = newClient()
		DeferCleanup(func() { _ = consumer.Close() })
	})

	It("should route each channel to its own queue", func() {
		sink, err := relay.NewAMQPSink(newClient())
		Expect(err).NotTo(HaveOccurred())
		r, err := relay.New(&relay.Config{Logger: testLogger, Hub: h, Sink: sink})
		Expect(err).NotTo(HaveOccurred())
		startRelay(h, r, hub.Telemetry, hub.Alerts)

		telemetry, err := consumer.Consume(string(hub.Telemetry))
		Expect(err).NotTo(HaveOccurred())
		alerts, err := consumer.Consume(string(hub.Alerts))
		Expect(err).NotTo(HaveOccurred())

		Expect(h.Publish(hub.Telemetry, []byte(`{"sensorId":"1","data":{"temperature":21.5}}`))).To(Succeed())
		Expect(h.Publish(hub.Alerts, []byte(`{"sensorId":"1","alertType":"SMOKE"}`))).To(Succeed())

		select {
		case d := <-telemetry:
			Expect(d.RoutingKey).To(Equal("telemetry"))
			Expect(string(d.Body)).To(ContainSubstring("21.5"))
		case <-time.After(10 * time.Second):
			Fail("no telemetry delivered")
		}

		select {
		case d := <-alerts:
			var msg map[string]any
			Expect(json.Unmarshal(d.Body, &msg)).To(Succeed())
			Expect(msg).To(HaveKeyWithValue("alertType", "SMOKE"))
			Expect(d.ContentType).To(Equal("application/json"))
		case <-time.After(10 * time.Second):
			Fail("no alert delivered")
		}
	})

	It("should keep relayed messages queued until a consumer attaches", func() {
		sink, err := relay.NewAMQPSink(newClient())
		Expect(err).NotTo(HaveOccurred())
		r, err := relay.New(&relay.Config{
			Logger: testLogger, Hub: h, Sink: sink, Channels: []hub.Channel{hub.Alerts},
		})
		Expect(err).NotTo(HaveOccurred())
		startRelay(h, r, hub.Alerts)

		for i := 0; i < 3; i++ {
			Expect(h.Publish(hub.Alerts, []byte(`{"sensorId":"1","alertType":"FIRE"}`))).To(Succeed())
		}

		queues := &e2econtainers.RabbitMQEndpoint{URL: mqEndpoint.URL, Exchange: exchange}
		Eventually(func() (int, error) {
			return queues.MessageCount(context.Background(), string(hub.Alerts))
		}, 10*time.Second, 200*time.Millisecond).Should(Equal(3))
		Expect(queues.MessageCount(context.Background(), string(hub.Telemetry))).To(BeZero())
	})
})

var _ = Describe("MQTT relay E2E", func() {
	var (
		h        *hub.Hub
		prefix   string
		messages chan received
	)

	BeforeEach(func() {
		var err error
		h, err = hub.New(&hub.Config{Logger: testLogger})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(h.Close)

		prefix = "e2e/" + uuid.NewString()
		messages = make(chan received, 16)

		opts := mqtt.NewClientOptions().
			AddBroker(mqttBroker).
			SetClientID("e2e-subscriber-" + uuid.NewString())
		sub := mqtt.NewClient(opts)
		token := sub.Connect()
		Expect(token.WaitTimeout(10 * time.Second)).To(BeTrue())
		Expect(token.Error()).NotTo(HaveOccurred())
		DeferCleanup(func() { sub.Disconnect(250) })

		token = sub.Subscribe(prefix+"/#", 1, func(_ mqtt.Client, m mqtt.Message) {
			messages <- received{topic: m.Topic(), payload: m.Payload()}
		})
		Expect(token.WaitTimeout(10 * time.Second)).To(BeTrue())
		Expect(token.Error()).NotTo(HaveOccurred())
	})

	It("should publish alerts under the topic prefix", func() {
		client, err := relay.NewMQTTClient(&relay.MQTTConfig{
			Logger:   testLogger,
			Broker:   mqttBroker,
			ClientID: "e2e-relay-" + uuid.NewString(),
			QoS:      1,
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(client.IsConnected, 10*time.Second, 100*time.Millisecond).Should(BeTrue())

		sink, err := relay.NewMQTTSink(client, prefix, 1)
		Expect(err).NotTo(HaveOccurred())
		r, err := relay.New(&relay.Config{
			Logger:   testLogger,
			Hub:      h,
			Sink:     sink,
			Channels: []hub.Channel{hub.Alerts},
		})
		Expect(err).NotTo(HaveOccurred())
		startRelay(h, r, hub.Alerts)

		Expect(h.Publish(hub.Telemetry, []byte(`{"sensorId":"1"}`))).To(Succeed())
		Expect(h.Publish(hub.Alerts, []byte(`{"sensorId":"1","alertType":"MOTION"}`))).To(Succeed())

		var got received
		Eventually(messages, 10*time.Second).Should(Receive(&got))
		Expect(got.topic).To(Equal(prefix + "/alerts"))
		Expect(string(got.payload)).To(ContainSubstring("MOTION"))
		Consistently(messages, 500*time.Millisecond).ShouldNot(Receive())
	})
})
