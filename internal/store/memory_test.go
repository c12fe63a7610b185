package store_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/internal/store"
)

var _ = Describe("Query", func() {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	It("should default to the last day", func() {
		q, err := store.Query{}.Normalize(now)
		Expect(err).NotTo(HaveOccurred())
		Expect(q.End).To(Equal(now))
		Expect(q.Start).To(Equal(now.Add(-24 * time.Hour)))
		Expect(q.Limit).To(Equal(store.DefaultLimit))
	})

	It("should cap the limit", func() {
		q, err := store.Query{Limit: 1_000_000}.Normalize(now)
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Limit).To(Equal(store.MaxLimit))
	})

	It("should reject an inverted range", func() {
		_, err := store.Query{Start: now, End: now.Add(-time.Minute)}.Normalize(now)
		Expect(err).To(MatchError(store.ErrInvalidRange))
	})
})

var _ = Describe("Memory", func() {
	var (
		ctx  context.Context
		m    *store.Memory
		base time.Time
	)

	write := func(sensor string, offset time.Duration, temp float64) {
		_, err := m.WriteReading(ctx, &reading.SensorReading{
			Timestamp:   base.Add(offset),
			SensorID:    sensor,
			Temperature: reading.Float(temp),
		})
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		ctx = context.Background()
		m = store.NewMemory()
		base = time.Now().Add(-time.Hour).UTC()
	})

	It("should return sequential ids", func() {
		id1, err := m.WriteReading(ctx, &reading.SensorReading{SensorID: "1", Timestamp: base})
		Expect(err).NotTo(HaveOccurred())
		id2, err := m.WriteReading(ctx, &reading.SensorReading{SensorID: "1", Timestamp: base})
		Expect(err).NotTo(HaveOccurred())
		Expect(id1).To(Equal("1"))
		Expect(id2).To(Equal("2"))
	})

	It("should return readings in range, newest first", func() {
		write("1", 0, 20)
		write("1", time.Minute, 21)
		write("2", 2*time.Minute, 22)
		write("1", 3*time.Minute, 23)

		rs, err := m.Readings(ctx, store.Query{SensorID: "1", Start: base, End: base.Add(2 * time.Minute)})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs).To(HaveLen(2))
		Expect(*rs[0].Temperature).To(Equal(21.0))
		Expect(*rs[1].Temperature).To(Equal(20.0))
	})

	It("should apply the limit", func() {
		for i := 0; i < 5; i++ {
			write("1", time.Duration(i)*time.Second, float64(i))
		}
		rs, err := m.Readings(ctx, store.Query{Limit: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(rs).To(HaveLen(2))
		Expect(*rs[0].Temperature).To(Equal(4.0))
	})

	It("should store and query alerts", func() {
		_, err := m.WriteAlert(ctx, &alert.Event{
			Timestamp: base, SensorID: "1", Type: alert.Smoke, Severity: alert.SeverityCritical,
		})
		Expect(err).NotTo(HaveOccurred())

		es, err := m.Alerts(ctx, store.Query{SensorID: "1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(es).To(HaveLen(1))
		Expect(es[0].Type).To(Equal(alert.Smoke))

		es, err = m.Alerts(ctx, store.Query{SensorID: "2"})
		Expect(err).NotTo(HaveOccurred())
		Expect(es).To(BeEmpty())
	})

	It("should report a PersistenceError after Close", func() {
		Expect(m.Close()).To(Succeed())
		_, err := m.WriteReading(ctx, &reading.SensorReading{})
		var perr *store.PersistenceError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Op).To(Equal(store.OpWriteReading))
		Expect(err).To(MatchError(store.ErrStoreClosed))
	})

	It("should upsert sensors", func() {
		s, err := m.EnsureSensor(ctx, store.Sensor{ID: "1", Name: "Arduino", Location: "Lab"})
		Expect(err).NotTo(HaveOccurred())
		created := s.CreatedAt

		s, err = m.EnsureSensor(ctx, store.Sensor{ID: "1", Name: "Arduino", Location: "Hall"})
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Location).To(Equal("Hall"))
		Expect(s.CreatedAt).To(Equal(created))

		_, err = m.EnsureSensor(ctx, store.Sensor{})
		Expect(err).To(HaveOccurred())
	})
})
