package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/device"
	"procodus.dev/sensor-monitor/internal/device/mock"
	"procodus.dev/sensor-monitor/internal/hub"
	"procodus.dev/sensor-monitor/internal/pipeline"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
)

type published struct {
	Channel hub.Channel
	Msg     []byte
}

type recordingPublisher struct {
	msgs []published
}

func (p *recordingPublisher) Publish(c hub.Channel, msg []byte) error {
	p.msgs = append(p.msgs, published{Channel: c, Msg: msg})
	return nil
}

type brokenStore struct {
	*store.Memory
}

func (brokenStore) WriteReading(context.Context, *reading.SensorReading) (string, error) {
	return "", &store.PersistenceError{Op: store.OpWriteReading, Err: errors.New("disk full")}
}

func (brokenStore) WriteAlert(context.Context, *alert.Event) (string, error) {
	return "", &store.PersistenceError{Op: store.OpWriteAlert, Err: errors.New("disk full")}
}

// ctxStore fails writes whose context is already done, like a database driver.
type ctxStore struct {
	*store.Memory
	canceledWrites int
	deadlines      int
}

func (s *ctxStore) check(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		s.deadlines++
	}
	if err := ctx.Err(); err != nil {
		s.canceledWrites++
		return err
	}
	return nil
}

func (s *ctxStore) WriteReading(ctx context.Context, r *reading.SensorReading) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", &store.PersistenceError{Op: store.OpWriteReading, Err: err}
	}
	return s.Memory.WriteReading(ctx, r)
}

func (s *ctxStore) WriteAlert(ctx context.Context, e *alert.Event) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", &store.PersistenceError{Op: store.OpWriteAlert, Err: err}
	}
	return s.Memory.WriteAlert(ctx, e)
}

var _ = Describe("Ingestor", func() {
	var (
		ctx   context.Context
		mem   *store.Memory
		pub   *recordingPublisher
		clock time.Time
		ing   *pipeline.Ingestor
	)

	newIngestor := func(gw store.Gateway) *pipeline.Ingestor {
		i, err := pipeline.New(&pipeline.Config{
			Logger:    logger.Discard(),
			Store:     gw,
			Publisher: pub,
			Now:       func() time.Time { return clock },
		})
		Expect(err).NotTo(HaveOccurred())
		return i
	}

	parse := func(line string) *reading.SensorReading {
		r, err := reading.Parse([]byte(line), "1")
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		pub = &recordingPublisher{}
		clock = time.Now().UTC()
		ing = newIngestor(mem)
	})

	DescribeTable("config validation",
		func(mutate func(*pipeline.Config), msg string) {
			cfg := &pipeline.Config{Logger: logger.Discard(), Store: mem, Publisher: pub}
			mutate(cfg)
			_, err := pipeline.New(cfg)
			Expect(err).To(MatchError(msg))
		},
		Entry("nil logger", func(c *pipeline.Config) { c.Logger = nil }, "logger cannot be nil"),
		Entry("nil store", func(c *pipeline.Config) { c.Store = nil }, "store cannot be nil"),
		Entry("nil publisher", func(c *pipeline.Config) { c.Publisher = nil }, "publisher cannot be nil"),
	)

	It("should persist and publish a quiet reading without alerts", func() {
		ing.HandleReading(ctx, parse(`{"temperature":20,"humidity":50}`))

		rs, err := mem.Readings(ctx, store.Query{})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs).To(HaveLen(1))
		Expect(rs[0].Timestamp).To(Equal(clock))

		Expect(pub.msgs).To(HaveLen(1))
		Expect(pub.msgs[0].Channel).To(Equal(hub.Telemetry))
		Expect(pub.msgs[0].Msg).To(MatchJSON(`{
			"sensorId": "1",
			"data": {"temperature":20,"humidity":50},
			"timestamp": "` + clock.Format(time.RFC3339Nano) + `"
		}`))
	})

	It("should publish telemetry before the alerts it raises, in rule order", func() {
		ing.HandleReading(ctx, parse(`{"temperature":35,"smokeDetected":true}`))

		Expect(pub.msgs).To(HaveLen(3))
		Expect(pub.msgs[0].Channel).To(Equal(hub.Telemetry))
		Expect(pub.msgs[1].Channel).To(Equal(hub.Alerts))
		Expect(pub.msgs[2].Channel).To(Equal(hub.Alerts))

		var first, second alert.Payload
		Expect(json.Unmarshal(pub.msgs[1].Msg, &first)).To(Succeed())
		Expect(json.Unmarshal(pub.msgs[2].Msg, &second)).To(Succeed())
		Expect(first.AlertType).To(Equal(alert.TempHigh))
		Expect(first.Severity).To(Equal(alert.SeverityHigh))
		Expect(first.Message).To(ContainSubstring("35"))
		Expect(second.AlertType).To(Equal(alert.Smoke))

		es, err := mem.Alerts(ctx, store.Query{})
		Expect(err).NotTo(HaveOccurred())
		Expect(es).To(HaveLen(2))
	})

	It("should keep timestamps strictly increasing when the clock steps back", func() {
		ing.HandleReading(ctx, parse(`{"temperature":20}`))
		first := clock
		clock = clock.Add(-time.Minute)
		r := parse(`{"temperature":21}`)
		ing.HandleReading(ctx, r)
		Expect(r.Timestamp).To(BeTemporally(">", first))
		Expect(r.Timestamp).To(Equal(first.Add(time.Nanosecond)))

		// A clock that does not move still yields distinct timestamps.
		again := parse(`{"temperature":22}`)
		ing.HandleReading(ctx, again)
		Expect(again.Timestamp).To(BeTemporally(">", r.Timestamp))

		rs, err := mem.Readings(ctx, store.Query{SensorID: "1", Start: first.Add(-time.Hour), End: first.Add(time.Hour)})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs).To(HaveLen(3))

		// Other sensors are tracked separately.
		other, err := reading.Parse([]byte(`{"temperature":23}`), "2")
		Expect(err).NotTo(HaveOccurred())
		ing.HandleReading(ctx, other)
		Expect(other.Timestamp).To(Equal(clock))
	})

	It("should still evaluate and broadcast when persistence fails", func() {
		ing = newIngestor(brokenStore{Memory: mem})
		ing.HandleReading(ctx, parse(`{"motionDetected":true}`))

		Expect(pub.msgs).To(HaveLen(2))
		Expect(pub.msgs[1].Channel).To(Equal(hub.Alerts))
	})

	It("should finish persisting a reading whose context was canceled", func() {
		gw := &ctxStore{Memory: mem}
		ing = newIngestor(gw)

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		ing.HandleReading(canceled, parse(`{"temperature":35}`))

		Expect(gw.canceledWrites).To(BeZero())
		Expect(gw.deadlines).To(Equal(2))
		rs, err := mem.Readings(ctx, store.Query{})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs).To(HaveLen(1))
		es, err := mem.Alerts(ctx, store.Query{})
		Expect(err).NotTo(HaveOccurred())
		Expect(es).To(HaveLen(1))
	})

	Context("wired to a device reader", func() {
		It("should not persist malformed lines and deliver the rest to subscribers", func() {
			h, err := hub.New(&hub.Config{Logger: logger.Discard()})
			Expect(err).NotTo(HaveOccurred())
			i, err := pipeline.New(&pipeline.Config{Logger: logger.Discard(), Store: mem, Publisher: h})
			Expect(err).NotTo(HaveOccurred())

			tel, err := h.Subscribe(hub.Telemetry, "viewer")
			Expect(err).NotTo(HaveOccurred())
			alerts, err := h.Subscribe(hub.Alerts, "viewer")
			Expect(err).NotTo(HaveOccurred())

			port := mock.NewFakePort(8)
			r, err := device.NewReader(&device.ReaderConfig{
				Logger:       logger.Discard(),
				Opener:       mock.NewFakeOpener(mock.OpenResult{Port: port}),
				Handler:      i,
				PollInterval: time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop()

			port.Feed("not json\r\n{\"humidity\":80}\r\n")

			Eventually(tel.C()).Should(Receive())
			var p alert.Payload
			Eventually(alerts.C()).Should(Receive(WithTransform(func(b []byte) alert.Type {
				_ = json.Unmarshal(b, &p)
				return p.AlertType
			}, Equal(alert.HumHigh))))

			rs, err := mem.Readings(ctx, store.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(rs).To(HaveLen(1))
		})
	})
})
