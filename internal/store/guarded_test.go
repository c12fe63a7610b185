package store_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/internal/store"
	"procodus.dev/sensor-monitor/pkg/logger"
)

// flaky fails every write while down is set.
type flaky struct {
	*store.Memory
	down  bool
	calls int
}

func (f *flaky) WriteReading(ctx context.Context, r *reading.SensorReading) (string, error) {
	f.calls++
	if f.down {
		return "", errors.New("connection refused")
	}
	return f.Memory.WriteReading(ctx, r)
}

func (f *flaky) WriteAlert(ctx context.Context, e *alert.Event) (string, error) {
	f.calls++
	if f.down {
		return "", errors.New("connection refused")
	}
	return f.Memory.WriteAlert(ctx, e)
}

var _ = Describe("Guarded", func() {
	var (
		ctx  context.Context
		next *flaky
		g    *store.Guarded
	)

	BeforeEach(func() {
		ctx = context.Background()
		next = &flaky{Memory: store.NewMemory()}
		var err error
		g, err = store.NewGuarded(&store.GuardedConfig{
			Logger:      logger.Discard(),
			Gateway:     next,
			MaxFailures: 2,
			OpenTimeout: 50 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	DescribeTable("config validation",
		func(cfg *store.GuardedConfig, msg string) {
			_, err := store.NewGuarded(cfg)
			Expect(err).To(MatchError(msg))
		},
		Entry("nil config", nil, "guarded config cannot be nil"),
		Entry("nil logger", &store.GuardedConfig{Gateway: store.NewMemory()}, "logger cannot be nil"),
		Entry("nil gateway", &store.GuardedConfig{Logger: logger.Discard()}, "gateway cannot be nil"),
	)

	It("should pass calls through while healthy", func() {
		id, err := g.WriteReading(ctx, &reading.SensorReading{SensorID: "1", Timestamp: time.Now()})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("1"))

		rs, err := g.Readings(ctx, store.Query{})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs).To(HaveLen(1))
	})

	It("should wrap failures in a PersistenceError", func() {
		next.down = true
		_, err := g.WriteAlert(ctx, &alert.Event{})
		var perr *store.PersistenceError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Op).To(Equal(store.OpWriteAlert))
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})

	It("should fail fast while open and recover after the timeout", func() {
		next.down = true
		for i := 0; i < 2; i++ {
			_, err := g.WriteReading(ctx, &reading.SensorReading{})
			Expect(err).To(HaveOccurred())
		}
		Expect(g.State()).To(Equal(gobreaker.StateOpen))

		calls := next.calls
		_, err := g.WriteReading(ctx, &reading.SensorReading{})
		Expect(err).To(MatchError(gobreaker.ErrOpenState))
		Expect(next.calls).To(Equal(calls))

		next.down = false
		Eventually(func() error {
			_, err := g.WriteReading(ctx, &reading.SensorReading{Timestamp: time.Now()})
			return err
		}).Should(Succeed())
		Expect(g.State()).To(Equal(gobreaker.StateClosed))
	})

	It("should not trip on invalid query ranges", func() {
		now := time.Now()
		for i := 0; i < 5; i++ {
			_, err := g.Readings(ctx, store.Query{Start: now, End: now.Add(-time.Hour)})
			Expect(err).To(MatchError(store.ErrInvalidRange))
		}
		Expect(g.State()).To(Equal(gobreaker.StateClosed))
	})

	It("should forward sensor registration", func() {
		s, err := g.EnsureSensor(ctx, store.Sensor{ID: "1", Name: "Arduino"})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Name).To(Equal("Arduino"))
	})
})
