package web

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/a-h/templ"

	"procodus.dev/sensor-monitor/internal/alert"
	"procodus.dev/sensor-monitor/internal/reading"
)

// DashboardView is everything the dashboard page shows on first load.
type DashboardView struct {
	Sensor       SensorInfo
	DeviceState  string
	Subscribers  map[string]int
	Readings     []ReadingRow
	Alerts       []alert.Payload
	HistoryError string
}

// ReadingRow is one formatted table row; unknown values render as "-".
type ReadingRow struct {
	Timestamp   string
	Temperature string
	Humidity    string
	Motion      string
	Smoke       string
}

func newReadingRow(r *reading.SensorReading) ReadingRow {
	return ReadingRow{
		Timestamp:   r.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		Temperature: formatFloat(r.Temperature, "°C"),
		Humidity:    formatFloat(r.Humidity, "%"),
		Motion:      formatBool(r.MotionDetected),
		Smoke:       formatBool(r.SmokeDetected),
	}
}

func formatFloat(v *float64, unit string) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64) + unit
}

func formatBool(v *bool) string {
	switch {
	case v == nil:
		return "-"
	case *v:
		return "yes"
	default:
		return "no"
	}
}

func dashboardPage(v DashboardView) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		title := "Sensor " + v.Sensor.ID
		if v.Sensor.Name != "" {
			title = v.Sensor.Name
		}
		if _, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body{font-family:sans-serif;margin:2rem}
table{border-collapse:collapse}
td,th{border:1px solid #ccc;padding:.25rem .5rem}
.CRITICAL,.HIGH{color:#b00}
</style>
</head>
<body>
<h1>%s</h1>
<p>Location: %s &middot; Device: <span id="device-state">%s</span> &middot; Viewers: %d</p>
`,
			templ.EscapeString(title),
			templ.EscapeString(title),
			templ.EscapeString(orDash(v.Sensor.Location)),
			templ.EscapeString(v.DeviceState),
			v.Subscribers["telemetry"],
		); err != nil {
			return err
		}

		if v.HistoryError != "" {
			if _, err := fmt.Fprintf(w, "<p class=\"warning\">%s</p>\n", templ.EscapeString(v.HistoryError)); err != nil {
				return err
			}
		}
		if err := readingsTable(v.Readings).Render(ctx, w); err != nil {
			return err
		}
		if err := alertsList(v.Alerts).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, liveScript+"</body>\n</html>\n")
		return err
	})
}

func readingsTable(rows []ReadingRow) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<h2>Readings</h2>
<table>
<thead><tr><th>Time (UTC)</th><th>Temperature</th><th>Humidity</th><th>Motion</th><th>Smoke</th></tr></thead>
<tbody id="readings">
`); err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
				templ.EscapeString(r.Timestamp),
				templ.EscapeString(r.Temperature),
				templ.EscapeString(r.Humidity),
				templ.EscapeString(r.Motion),
				templ.EscapeString(r.Smoke),
			); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</tbody>\n</table>\n")
		return err
	})
}

func alertsList(alerts []alert.Payload) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<h2>Alerts</h2>\n<ul id=\"alerts\">\n"); err != nil {
			return err
		}
		if len(alerts) == 0 {
			if _, err := io.WriteString(w, "<li class=\"empty\">No alerts</li>\n"); err != nil {
				return err
			}
		}
		for _, a := range alerts {
			if _, err := fmt.Fprintf(w, "<li class=\"%s\">%s [%s] %s</li>\n",
				templ.EscapeString(string(a.Severity)),
				templ.EscapeString(a.Timestamp),
				templ.EscapeString(string(a.AlertType)),
				templ.EscapeString(a.Message),
			); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</ul>\n")
		return err
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// liveScript subscribes to both channels and prepends new rows.
const liveScript = `<script>
(function () {
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/ws/sensors/?channels=telemetry,alerts");
  function cell(v, unit) { return v === undefined || v === null ? "-" : v + (unit || ""); }
  function yn(v) { return v === undefined || v === null ? "-" : (v ? "yes" : "no"); }
  ws.onmessage = function (ev) {
    var env = JSON.parse(ev.data);
    var p = env.payload;
    if (env.channel === "telemetry") {
      var d = p.data || {};
      var tr = document.createElement("tr");
      [p.timestamp, cell(d.temperature, "°C"), cell(d.humidity, "%"), yn(d.motionDetected), yn(d.smokeDetected)]
        .forEach(function (t) { var td = document.createElement("td"); td.textContent = t; tr.appendChild(td); });
      var body = document.getElementById("readings");
      body.insertBefore(tr, body.firstChild);
      while (body.children.length > 50) { body.removeChild(body.lastChild); }
    } else if (env.channel === "alerts") {
      var li = document.createElement("li");
      li.className = p.severity;
      li.textContent = p.timestamp + " [" + p.alertType + "] " + p.message;
      var list = document.getElementById("alerts");
      var empty = list.querySelector(".empty");
      if (empty) { list.removeChild(empty); }
      list.insertBefore(li, list.firstChild);
    }
  };
})();
</script>
`
