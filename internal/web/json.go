package web

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/sweeney/relay-timer/internal/status"
)

// StartRequest is the body of POST /relays/{id}/start. Zero values fall
// back to the configured defaults.
type StartRequest struct {
	OnMs  int64 `json:"on_ms"`
	OffMs int64 `json:"off_ms"`
}

// IntentResponse is returned to JSON callers of the intent endpoints.
type IntentResponse struct {
	Relay *status.ChannelJSON `json:"relay,omitempty"`
	Error string              `json:"error,omitempty"`
}

// wantsJSON reports whether the caller sent or asked for JSON rather than
// submitting an HTML form.
func wantsJSON(r *http.Request) bool {
	if ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && ct == "application/json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// decodeStart reads on_ms/off_ms from a JSON body or form values.
func decodeStart(w http.ResponseWriter, r *http.Request) (StartRequest, error) {
	var req StartRequest
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		if r.ContentLength == 0 {
			return req, nil
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			return req, fmt.Errorf("decode body: %w", err)
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("parse form: %w", err)
	}
	var err error
	if req.OnMs, err = formInt(r, "on_ms"); err != nil {
		return req, err
	}
	if req.OffMs, err = formInt(r, "off_ms"); err != nil {
		return req, err
	}
	return req, nil
}

func formInt(r *http.Request, key string) (int64, error) {
	v := strings.TrimSpace(r.Form.Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
