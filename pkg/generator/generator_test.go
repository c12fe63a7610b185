package generator_test

import (
	"bytes"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-monitor/pkg/generator"
)

var _ = Describe("ArduinoGenerator", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	})

	It("should be deterministic for a fixed seed", func() {
		a := generator.NewArduinoGenerator(42, generator.DefaultOptions())
		b := generator.NewArduinoGenerator(42, generator.DefaultOptions())
		for i := 0; i < 20; i++ {
			t := now.Add(time.Duration(i) * time.Second)
			Expect(a.Line(t)).To(Equal(b.Line(t)))
		}
	})

	It("should emit complete frames when partial output is disabled", func() {
		g := generator.NewArduinoGenerator(7, generator.Options{})
		for i := 0; i < 50; i++ {
			f := g.Next(now)
			Expect(f.Temperature).NotTo(BeNil())
			Expect(f.Humidity).NotTo(BeNil())
			Expect(f.MotionDetected).NotTo(BeNil())
			Expect(f.SmokeDetected).NotTo(BeNil())
			Expect(*f.Humidity).To(BeNumerically(">=", 0))
			Expect(*f.Humidity).To(BeNumerically("<=", 100))
		}
	})

	It("should always flag motion and smoke at rate 1", func() {
		g := generator.NewArduinoGenerator(7, generator.Options{MotionRate: 1, SmokeRate: 1})
		f := g.Next(now)
		Expect(*f.MotionDetected).To(BeTrue())
		Expect(*f.SmokeDetected).To(BeTrue())
	})

	It("should write one CRLF-terminated JSON object per line", func() {
		g := generator.NewArduinoGenerator(3, generator.Options{})
		line := g.Line(now)
		Expect(line).To(HaveSuffix("\r\n"))

		var obj map[string]any
		Expect(json.Unmarshal(bytes.TrimSpace(line), &obj)).To(Succeed())
		Expect(obj).To(HaveKey("temperature"))
		Expect(obj).To(HaveKey("humidity"))
	})

	It("should write garbage lines at malformed rate 1", func() {
		g := generator.NewArduinoGenerator(3, generator.Options{MalformedRate: 1})
		line := bytes.TrimSpace(g.Line(now))
		Expect(json.Valid(line)).To(BeFalse())
	})
})

var _ = Describe("NewDevice", func() {
	It("should fill identity fields", func() {
		d := generator.NewDevice()
		Expect(d).NotTo(BeNil())
		Expect(d.Name).NotTo(BeEmpty())
		Expect(d.Location).NotTo(BeEmpty())
		Expect(d.CreatedAt).NotTo(BeZero())
	})
})

var _ = Describe("Port", func() {
	It("should return a full line per emission", func() {
		g := generator.NewArduinoGenerator(11, generator.Options{})
		p := generator.NewPort(g, 10*time.Millisecond, 50*time.Millisecond)
		defer p.Close()

		buf := make([]byte, 256)
		n, err := p.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(buf[:n]).To(HaveSuffix("\r\n"))
	})

	It("should time out with no data before the next emission", func() {
		g := generator.NewArduinoGenerator(11, generator.Options{})
		p := generator.NewPort(g, time.Hour, 20*time.Millisecond)
		defer p.Close()

		buf := make([]byte, 256)
		_, err := p.Read(buf)
		Expect(err).NotTo(HaveOccurred())

		n, err := p.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("should hand out a line across several small reads", func() {
		g := generator.NewArduinoGenerator(11, generator.Options{})
		p := generator.NewPort(g, time.Hour, 20*time.Millisecond)
		defer p.Close()

		var line []byte
		buf := make([]byte, 4)
		for !bytes.HasSuffix(line, []byte("\n")) {
			n, err := p.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			line = append(line, buf[:n]...)
		}
		Expect(json.Valid(bytes.TrimSpace(line))).To(BeTrue())
	})

	It("should fail reads after Close", func() {
		p := generator.NewPort(generator.NewArduinoGenerator(1, generator.Options{}), time.Hour, time.Second)
		Expect(p.Close()).To(Succeed())
		Expect(p.Close()).To(Succeed())

		_, err := p.Read(make([]byte, 8))
		Expect(err).To(MatchError(generator.ErrPortClosed))
	})

	It("should unblock a pending read on Close", func() {
		p := generator.NewPort(generator.NewArduinoGenerator(1, generator.Options{}), time.Hour, time.Hour)
		_, _ = p.Read(make([]byte, 256))

		errCh := make(chan error, 1)
		go func() {
			_, err := p.Read(make([]byte, 8))
			errCh <- err
		}()
		Expect(p.Close()).To(Succeed())
		Eventually(errCh).Should(Receive(MatchError(generator.ErrPortClosed)))
	})
})
