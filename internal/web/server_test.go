package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/relay-timer/internal/driver"
	"github.com/sweeney/relay-timer/internal/gpio"
	"github.com/sweeney/relay-timer/internal/metrics"
	"github.com/sweeney/relay-timer/internal/relay"
	"github.com/sweeney/relay-timer/internal/status"
)

type testEnv struct {
	ts      *httptest.Server
	tracker *status.Tracker
	bank    *driver.Bank
	out     *gpio.FakeOutput
}

func newTestEnv(t *testing.T, opts ...driver.Option) *testEnv {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		Chip:        "gpiochip0",
		RefreshMs:   1000,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		TopicPrefix: "home/relays",
		HTTPAddr:    ":80",
	}
	tr := status.NewTracker(start, cfg, []status.ChannelInfo{
		{Name: "pump", Pin: 17},
		{Name: "valve", Pin: 27},
	})
	out := gpio.NewFakeOutput(2)
	specs := []driver.Spec{
		{Name: "pump", OnPeriod: time.Hour, OffPeriod: 2 * time.Hour},
		{Name: "valve"},
	}
	bank := driver.New(out, specs, append([]driver.Option{driver.WithRecorder(tr)}, opts...)...)
	if err := bank.Open(time.Second); err != nil {
		t.Fatalf("open bank: %v", err)
	}
	t.Cleanup(func() { bank.Close() })

	reg := metrics.NewRegistry()
	reg.MustRegister(metrics.NewCollector(tr))
	srv := New(":0", tr, bank,
		WithMetrics(metrics.Handler(reg)),
		WithIntentMetrics(metrics.NewIntents(reg)))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, tracker: tr, bank: bank, out: out}
}

// noRedirect returns a client that reports redirects instead of following them.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postJSON(t *testing.T, url string, body string) (*http.Response, IntentResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var ir IntentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return resp, ir
}

func getStatus(t *testing.T, env *testEnv) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(env.ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.SetMQTTConnected(true)

	resp, err := http.Get(env.ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if len(sj.Status.Relays) != 2 {
		t.Fatalf("relays: got %d, want 2", len(sj.Status.Relays))
	}
	if sj.Status.Relays[0].Name != "pump" || sj.Status.Relays[0].State != "OFF" {
		t.Errorf("relay 0: got %+v", sj.Status.Relays[0])
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Config.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("Config.Broker: got %q", sj.Status.Config.Broker)
	}
}

func TestJSONNetworkInfo(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.SetNetwork(&status.NetworkInfo{
		Type:   "wifi",
		IP:     "192.168.1.42",
		Status: "connected",
		SSID:   "MyNet",
	})

	sj := getStatus(t, env)
	if sj.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if sj.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", sj.Status.Network.IP)
	}
}

func TestHTMLEndpointRoot(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.bank.Toggle(0); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	resp, err := http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type: got %q, want text/html", ct)
	}
	for _, want := range []string{
		`<meta http-equiv="refresh" content="1">`,
		`action="/relays/0/toggle"`,
		`action="/relays/1/start"`,
		`class="on">ON`,
		"pump",
		"valve",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestHTMLShowsFault(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.SetFault(1, errors.New("line busy"))

	resp, err := http.Get(env.ts.URL + "/index.html")
	if err != nil {
		t.Fatalf("GET /index.html: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `title="line busy">FAULT`) {
		t.Error("expected fault marker on page")
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestIntentRequiresPost(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/relays/0/toggle")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", resp.StatusCode)
	}
}

func TestToggleJSON(t *testing.T) {
	env := newTestEnv(t)

	resp, ir := postJSON(t, env.ts.URL+"/relays/0/toggle", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200 (%s)", resp.StatusCode, ir.Error)
	}
	if ir.Relay == nil {
		t.Fatal("expected relay in response")
	}
	if ir.Relay.State != "ON" || ir.Relay.Toggles != 1 || ir.Relay.Name != "pump" {
		t.Errorf("relay: got %+v", *ir.Relay)
	}
	if !env.out.Level(0) {
		t.Error("expected output 0 high")
	}
}

func TestToggleFormRedirects(t *testing.T) {
	env := newTestEnv(t)

	resp, err := noRedirect().PostForm(env.ts.URL+"/relays/1/toggle", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("status: got %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Errorf("Location: got %q, want /", loc)
	}
	if sj := getStatus(t, env); sj.Status.Relays[1].State != "ON" {
		t.Errorf("relay 1 state: got %q, want ON", sj.Status.Relays[1].State)
	}
}

func TestStartForm(t *testing.T) {
	env := newTestEnv(t)

	resp, err := noRedirect().PostForm(env.ts.URL+"/relays/1/start", url.Values{
		"on_ms":  {"60000"},
		"off_ms": {"120000"},
	})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status: got %d, want 303", resp.StatusCode)
	}

	r := getStatus(t, env).Status.Relays[1]
	if !r.Running || r.OnMs != 60000 || r.OffMs != 120000 || r.State != "ON" {
		t.Errorf("relay 1: got %+v", r)
	}
}

func TestStartJSONUsesDefaults(t *testing.T) {
	env := newTestEnv(t)

	resp, ir := postJSON(t, env.ts.URL+"/relays/0/start", `{"off_ms": 5000}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200 (%s)", resp.StatusCode, ir.Error)
	}
	if ir.Relay.OnMs != time.Hour.Milliseconds() || ir.Relay.OffMs != 5000 {
		t.Errorf("periods: got on=%d off=%d", ir.Relay.OnMs, ir.Relay.OffMs)
	}
	if !ir.Relay.Running {
		t.Error("expected running")
	}
}

func TestStopAndReset(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/relays/0/start", "")

	resp, ir := postJSON(t, env.ts.URL+"/relays/0/stop", "")
	if resp.StatusCode != 200 || ir.Relay.Running || ir.Relay.State != "OFF" {
		t.Errorf("stop: got %d %+v", resp.StatusCode, ir.Relay)
	}

	resp, ir = postJSON(t, env.ts.URL+"/relays/0/reset", "")
	if resp.StatusCode != 200 || ir.Relay.Toggles != 0 || ir.Relay.LastChange != "" {
		t.Errorf("reset: got %d %+v", resp.StatusCode, ir.Relay)
	}
}

func TestIntentErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown channel", "/relays/7/toggle", "", http.StatusNotFound},
		{"non-numeric channel", "/relays/pump/toggle", "", http.StatusNotFound},
		{"unknown action", "/relays/0/explode", "", http.StatusNotFound},
		{"negative period", "/relays/0/start", `{"on_ms": -5, "off_ms": 100}`, http.StatusBadRequest},
		{"no defaults", "/relays/1/start", "", http.StatusBadRequest},
		{"malformed body", "/relays/0/start", `{"on_ms":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req, _ := http.NewRequest(http.MethodPost, env.ts.URL+tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestFormError(t *testing.T) {
	env := newTestEnv(t)

	resp, err := noRedirect().PostForm(env.ts.URL+"/relays/0/start", url.Values{"on_ms": {"soon"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "not a number") {
		t.Errorf("body: got %q", body)
	}
}

func TestRateLimited(t *testing.T) {
	env := newTestEnv(t, driver.WithIntentRate(0.001, 1))

	if resp, _ := postJSON(t, env.ts.URL+"/relays/0/toggle", ""); resp.StatusCode != 200 {
		t.Fatalf("first toggle: got %d", resp.StatusCode)
	}
	resp, ir := postJSON(t, env.ts.URL+"/relays/0/toggle", "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status: got %d, want 429", resp.StatusCode)
	}
	if ir.Relay == nil || ir.Relay.Toggles != 1 {
		t.Errorf("expected unchanged relay in response, got %+v", ir.Relay)
	}
}

func TestHardwareUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.out.SetFailure(errors.New("i/o error"))

	resp, ir := postJSON(t, env.ts.URL+"/relays/0/on", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
	if ir.Relay == nil || ir.Relay.State != "ON" {
		t.Errorf("logical state should be committed, got %+v", ir.Relay)
	}
	if !ir.Relay.Faulted {
		t.Error("expected faulted")
	}
	if !strings.Contains(ir.Error, "i/o error") {
		t.Errorf("error: got %q", ir.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	postJSON(t, env.ts.URL+"/relays/0/toggle", "")

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`relay_on{channel="0",name="pump"} 1`,
		`relay_intents_total{action="toggle",result="ok",source="http"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestStatusCode(t *testing.T) {
	hw := &relay.HardwareError{Channel: 0, Level: relay.On, Err: errors.New("x")}
	cases := map[error]int{
		nil:                            200,
		driver.ErrUnknownChannel:       404,
		relay.ErrInvalidConfiguration:  400,
		driver.ErrRateLimited:          429,
		hw:                             503,
		errors.New("something broken"): 500,
	}
	for err, want := range cases {
		if got := statusCode(err); got != want {
			t.Errorf("statusCode(%v): got %d, want %d", err, got, want)
		}
	}
}
