package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/relay-timer/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"secs": func(d time.Duration) string {
		return fmt.Sprintf("%.1fs", d.Seconds())
	},
	"ms": func(d time.Duration) int64 {
		return d.Milliseconds()
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{if .RefreshSecs}}<meta http-equiv="refresh" content="{{.RefreshSecs}}">{{end}}
<title>Relay Timer</title>
<style>
body { font-family: monospace; max-width: 900px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.fault { color: red; }
.connected { color: green; }
.disconnected { color: red; }
form { display: inline; }
input[type=number] { width: 6em; }
</style>
</head>
<body>
<h1>Relay Timer</h1>

<h2>Relays</h2>
<table>
<tr><th>#</th><th>Name</th><th>State</th><th>Toggles</th><th>Cycle</th><th>On</th><th>Off</th><th></th></tr>
{{range .Channels}}<tr id="relay-{{.Channel}}">
<td>{{.Channel}}</td>
<td>{{.Name}}{{if .Pin}} <small>(pin {{.Pin}})</small>{{end}}</td>
<td class="{{if eq (stateOrUnknown (printf "%s" .State)) "ON"}}on{{else if eq (stateOrUnknown (printf "%s" .State)) "OFF"}}off{{else}}unknown{{end}}">{{stateOrUnknown (printf "%s" .State)}}{{if .Faulted}} <span class="fault" title="{{.LastError}}">FAULT</span>{{end}}</td>
<td>{{.Toggles}}</td>
<td>{{if .Running}}{{ms .OnPeriod}}/{{ms .OffPeriod}}ms{{else}}stopped{{end}}</td>
<td>{{secs .TotalOn}}</td>
<td>{{secs .TotalOff}}</td>
<td>
<form method="post" action="/relays/{{.Channel}}/toggle"><button>Toggle</button></form>
<form method="post" action="/relays/{{.Channel}}/on"><button>On</button></form>
<form method="post" action="/relays/{{.Channel}}/stop"><button>Stop</button></form>
<form method="post" action="/relays/{{.Channel}}/reset"><button>Reset</button></form>
<form method="post" action="/relays/{{.Channel}}/start">
<input type="number" name="on_ms" min="1" placeholder="on ms"{{if .OnPeriod}} value="{{ms .OnPeriod}}"{{end}}>
<input type="number" name="off_ms" min="1" placeholder="off ms"{{if .OffPeriod}} value="{{ms .OffPeriod}}"{{end}}>
<button>Start</button>
</form>
</td>
</tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Topics</th><td>{{.Config.TopicPrefix}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Chip</th><td>{{.Config.Chip}}</td></tr>
<tr><th>Refresh</th><td>{{.Config.RefreshMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">Metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime      time.Duration
		RefreshSecs int64
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if snap.Config.RefreshMs > 0 {
		data.RefreshSecs = (snap.Config.RefreshMs + 999) / 1000
	}
	return indexTmpl.Execute(w, data)
}
