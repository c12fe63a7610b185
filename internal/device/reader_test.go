package device_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/internal/device"
	"procodus.dev/sensor-monitor/internal/device/mock"
	"procodus.dev/sensor-monitor/internal/reading"
	"procodus.dev/sensor-monitor/pkg/logger"
)

type recorder struct {
	mu       sync.Mutex
	readings []*reading.SensorReading
}

func (r *recorder) HandleReading(_ context.Context, rd *reading.SensorReading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, rd)
}

func (r *recorder) Raw() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.readings))
	for i, rd := range r.readings {
		out[i] = string(rd.Raw)
	}
	return out
}

// blockingHandler holds the first reading until release is closed.
type blockingHandler struct {
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	calls    int
	canceled int
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *blockingHandler) HandleReading(ctx context.Context, _ *reading.SensorReading) {
	h.mu.Lock()
	h.calls++
	first := h.calls == 1
	if ctx.Err() != nil {
		h.canceled++
	}
	h.mu.Unlock()

	if first {
		close(h.entered)
		<-h.release
	}
}

func (h *blockingHandler) counts() (calls, canceled int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls, h.canceled
}

var _ = Describe("Reader", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		port     *mock.FakePort
		opener   *mock.FakeOpener
		rec      *recorder
		reader   *device.Reader
		interval time.Duration
	)

	newReader := func() *device.Reader {
		r, err := device.NewReader(&device.ReaderConfig{
			Logger:            logger.Discard(),
			Opener:            opener,
			Handler:           rec,
			SensorID:          "7",
			PollInterval:      5 * time.Millisecond,
			ReconnectInterval: interval,
		})
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		port = mock.NewFakePort(16)
		opener = mock.NewFakeOpener(mock.OpenResult{Port: port})
		rec = &recorder{}
		interval = 20 * time.Millisecond
		reader = newReader()
	})

	AfterEach(func() {
		reader.Stop()
		cancel()
	})

	Describe("NewReader", func() {
		DescribeTable("config validation",
			func(mutate func(*device.ReaderConfig), msg string) {
				cfg := &device.ReaderConfig{
					Logger:  logger.Discard(),
					Opener:  opener,
					Handler: rec,
				}
				mutate(cfg)
				_, err := device.NewReader(cfg)
				Expect(err).To(MatchError(ContainSubstring(msg)))
			},
			Entry("nil logger", func(c *device.ReaderConfig) { c.Logger = nil }, "logger cannot be nil"),
			Entry("nil opener", func(c *device.ReaderConfig) { c.Opener = nil }, "opener cannot be nil"),
			Entry("nil handler", func(c *device.ReaderConfig) { c.Handler = nil }, "handler cannot be nil"),
			Entry("negative poll", func(c *device.ReaderConfig) { c.PollInterval = -1 }, "poll interval"),
			Entry("negative reconnect", func(c *device.ReaderConfig) { c.ReconnectInterval = -1 }, "reconnect interval"),
		)

		It("should reject a nil config", func() {
			_, err := device.NewReader(nil)
			Expect(err).To(MatchError("reader config cannot be nil"))
		})

		It("should start disconnected", func() {
			Expect(reader.State()).To(Equal(device.Disconnected))
		})
	})

	Describe("Start", func() {
		It("should report a transport error and stay disconnected when the device is missing", func() {
			opener = mock.NewFakeOpener(mock.OpenResult{Err: errors.New("no such file")})
			reader = newReader()

			err := reader.Start(ctx)
			var terr *device.TransportError
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(terr.Op).To(Equal("open"))
			Expect(terr.Path).To(Equal("/dev/fake0"))
			Expect(reader.State()).To(Equal(device.Disconnected))
		})

		It("should succeed when retried after a failed start", func() {
			opener = mock.NewFakeOpener(mock.OpenResult{Err: errors.New("busy")}, mock.OpenResult{Port: port})
			reader = newReader()

			Expect(reader.Start(ctx)).NotTo(Succeed())
			Expect(reader.Start(ctx)).To(Succeed())
			Expect(reader.State()).To(Equal(device.Connected))
		})

		It("should refuse a second start while running", func() {
			Expect(reader.Start(ctx)).To(Succeed())
			Expect(reader.Start(ctx)).To(MatchError(device.ErrAlreadyStarted))
		})
	})

	Describe("read loop", func() {
		BeforeEach(func() {
			Expect(reader.Start(ctx)).To(Succeed())
		})

		It("should forward readings in device order with the configured sensor id", func() {
			port.Feed("{\"temperature\":21.5}\r\n{\"humidity\":40}\n")
			port.Feed("{\"motionDetected\":true}\r\n")

			Eventually(rec.Raw).Should(Equal([]string{
				`{"temperature":21.5}`,
				`{"humidity":40}`,
				`{"motionDetected":true}`,
			}))
			rec.mu.Lock()
			Expect(rec.readings[0].SensorID).To(Equal("7"))
			rec.mu.Unlock()
		})

		It("should join lines split across reads", func() {
			port.Feed(`{"tempera`)
			port.Feed(`ture":19}`)
			port.Feed("\n")

			Eventually(rec.Raw).Should(Equal([]string{`{"temperature":19}`}))
		})

		It("should drop malformed lines and keep reading", func() {
			port.Feed("DHT read failed\r\n")
			port.Feed("\r\n")
			port.Feed("{\"smokeDetected\":false}\n")

			Eventually(rec.Raw).Should(Equal([]string{`{"smokeDetected":false}`}))
			Consistently(rec.Raw, 30*time.Millisecond).Should(HaveLen(1))
			Expect(reader.State()).To(Equal(device.Connected))
		})
	})

	Describe("reconnect", func() {
		It("should reconnect after a read failure and resume without the in-flight line", func() {
			second := mock.NewFakePort(16)
			opener.Push(mock.OpenResult{Err: errors.New("still unplugged")})
			opener.Push(mock.OpenResult{Port: second})
			Expect(reader.Start(ctx)).To(Succeed())

			port.Feed("{\"temperature\":20}\n{\"temperature\":2")
			port.Fail(io.EOF)

			Eventually(reader.State).Should(Equal(device.Reconnecting))
			Expect(port.IsClosed()).To(BeTrue())

			Eventually(reader.State).Should(Equal(device.Connected))
			Expect(opener.Opens()).To(Equal(3))

			second.Feed("{\"temperature\":21}\n")
			Eventually(rec.Raw).Should(Equal([]string{
				`{"temperature":20}`,
				`{"temperature":21}`,
			}))
		})

		It("should stop retrying when stopped while reconnecting", func() {
			opener.Err = errors.New("gone")
			Expect(reader.Start(ctx)).To(Succeed())
			port.Fail(io.ErrUnexpectedEOF)

			Eventually(reader.State).Should(Equal(device.Reconnecting))
			Eventually(opener.Opens).Should(BeNumerically(">=", 2))

			stopped := make(chan struct{})
			go func() {
				reader.Stop()
				close(stopped)
			}()
			Eventually(stopped).Within(interval * 3).Should(BeClosed())

			Expect(reader.State()).To(Equal(device.Disconnected))
			opens := opener.Opens()
			Consistently(opener.Opens, interval*3).Should(Equal(opens))
		})
	})

	Describe("Stop", func() {
		It("should close the port and allow a restart", func() {
			Expect(reader.Start(ctx)).To(Succeed())
			reader.Stop()

			Expect(port.IsClosed()).To(BeTrue())
			Expect(reader.State()).To(Equal(device.Disconnected))

			next := mock.NewFakePort(4)
			opener.Push(mock.OpenResult{Port: next})
			Expect(reader.Start(ctx)).To(Succeed())

			next.Feed("{\"humidity\":55}\n")
			Eventually(rec.Raw).Should(ContainElement(`{"humidity":55}`))
		})

		It("should be safe without a start and when repeated", func() {
			reader.Stop()
			reader.Stop()
			Expect(reader.State()).To(Equal(device.Disconnected))
		})

		It("should drop lines still buffered when stopped mid-chunk", func() {
			h := newBlockingHandler()
			r, err := device.NewReader(&device.ReaderConfig{
				Logger:       logger.Discard(),
				Opener:       opener,
				Handler:      h,
				PollInterval: 5 * time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Start(ctx)).To(Succeed())

			port.Feed("{\"temperature\":20}\n{\"temperature\":21}\n{\"temperature\":22}\n")
			Eventually(h.entered).Should(BeClosed())

			stopped := make(chan struct{})
			go func() {
				r.Stop()
				close(stopped)
			}()
			Eventually(r.State).Should(Equal(device.Disconnected))
			close(h.release)
			Eventually(stopped).Should(BeClosed())

			calls, canceled := h.counts()
			Expect(calls).To(Equal(1))
			Expect(canceled).To(BeZero())
		})

		It("should end the loop when the parent context is canceled", func() {
			Expect(reader.Start(ctx)).To(Succeed())
			cancel()
			Eventually(port.IsClosed).Should(BeTrue())
		})
	})
})
