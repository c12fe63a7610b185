// Package generator produces synthetic Arduino sensor output for development and tests.
package generator

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Device describes a fake sensor board.
type Device struct {
	CreatedAt  time.Time
	Name       string `fake:"{noun} sensor"`
	Location   string `fake:"{city}, {state}"`
	MacAddress string `fake:"{macaddress}"`
	Firmware   string `fake:"{appversion}"`
}

// NewDevice returns a device with randomized identity fields.
func NewDevice() *Device {
	var device Device
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}
	device.CreatedAt = time.Now()
	return &device
}

// Frame is one line of board output before encoding. Nil fields are omitted.
type Frame struct {
	Temperature    *float64 `json:"temperature,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	MotionDetected *bool    `json:"motionDetected,omitempty"`
	SmokeDetected  *bool    `json:"smokeDetected,omitempty"`
}

// Options tunes how often the generator emits unusual output.
type Options struct {
	// MotionRate is the probability of motionDetected=true.
	MotionRate float64
	// SmokeRate is the probability of smokeDetected=true.
	SmokeRate float64
	// PartialRate is the probability a frame omits one of its fields.
	PartialRate float64
	// MalformedRate is the probability a line is garbage instead of JSON.
	MalformedRate float64
}

// DefaultOptions returns rates that produce an occasional alert and bad line.
func DefaultOptions() Options {
	return Options{
		MotionRate:    0.05,
		SmokeRate:     0.01,
		PartialRate:   0.05,
		MalformedRate: 0.02,
	}
}

// ArduinoGenerator emits correlated temperature and humidity values the way the
// board sketch prints them, one JSON object per line.
type ArduinoGenerator struct {
	rnd              *rand.Rand
	opts             Options
	baselineTemp     float64
	baselineHumidity float64
	noise            float64
}

// NewArduinoGenerator creates a generator. A zero seed uses the current time.
func NewArduinoGenerator(seed int64, opts Options) *ArduinoGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := rand.New(rand.NewSource(seed)) //nolint:gosec // synthetic data
	return &ArduinoGenerator{
		rnd:              rnd,
		opts:             opts,
		baselineTemp:     20.0 + rnd.Float64()*6,  // 20-26°C
		baselineHumidity: 45.0 + rnd.Float64()*15, // 45-60%
		noise:            0.5 + rnd.Float64()*1.5,
	}
}

// GenerateTemperature with daily pattern.
func (g *ArduinoGenerator) GenerateTemperature(t time.Time) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak around 2-3 PM)
	dailyCycle := 4 * math.Sin((hour-6)*math.Pi/12)
	noise := (g.rnd.Float64() - 0.5) * g.noise

	// Occasional spike, large enough to cross an alert threshold.
	anomaly := 0.0
	if g.rnd.Float64() < 0.05 {
		anomaly = (g.rnd.Float64() - 0.5) * 30
	}

	return round(g.baselineTemp+dailyCycle+noise+anomaly, 1)
}

// GenerateHumidity with inverse temperature correlation.
func (g *ArduinoGenerator) GenerateHumidity(temperature float64) float64 {
	tempEffect := -(temperature - g.baselineTemp) * 1.5
	noise := (g.rnd.Float64() - 0.5) * g.noise

	anomaly := 0.0
	if g.rnd.Float64() < 0.03 {
		anomaly = g.rnd.Float64() * 30
	}

	// DHT sensors report 0-100.
	return round(math.Max(0, math.Min(100, g.baselineHumidity+tempEffect+noise+anomaly)), 1)
}

// Next returns the frame for instant t.
func (g *ArduinoGenerator) Next(t time.Time) Frame {
	temperature := g.GenerateTemperature(t)
	humidity := g.GenerateHumidity(temperature)
	motion := g.rnd.Float64() < g.opts.MotionRate
	smoke := g.rnd.Float64() < g.opts.SmokeRate

	f := Frame{
		Temperature:    &temperature,
		Humidity:       &humidity,
		MotionDetected: &motion,
		SmokeDetected:  &smoke,
	}

	if g.rnd.Float64() < g.opts.PartialRate {
		switch g.rnd.Intn(4) {
		case 0:
			f.Temperature = nil
		case 1:
			f.Humidity = nil
		case 2:
			f.MotionDetected = nil
		default:
			f.SmokeDetected = nil
		}
	}

	return f
}

// Line returns the encoded line for instant t, newline terminated.
func (g *ArduinoGenerator) Line(t time.Time) []byte {
	if g.rnd.Float64() < g.opts.MalformedRate {
		return []byte(garbage[g.rnd.Intn(len(garbage))] + "\r\n")
	}
	// Frame only holds numbers and bools.
	b, _ := json.Marshal(g.Next(t)) //nolint:errchkjson
	return append(b, '\r', '\n')
}

// Output seen from the board during resets and brown-outs.
var garbage = []string{
	"DHT read failed",
	"{\"temperature\":",
	"\x00\x00\xff",
	"booting...",
	"[1,2,",
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
