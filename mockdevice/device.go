// Package mockdevice is a fake device REST API for unit tests of code that talks to a device.
//
// A Device serves the small part of the firmware API that the harness and the built-in suites
// use: local login, firmware and system information, RAID status, alert notifications, and
// reboot. It also acts as
// a device.Pinger, so a reboot requested over REST makes the fake stop answering ping for a
// while and then come back.
package mockdevice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nasqa/dut-harness/framework"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Paths of the fake API.
const (
	LoginPath       = "/api/2.1/rest/local_login"
	FirmwarePath    = "/api/2.1/rest/firmware_info"
	SystemInfoPath  = "/api/2.1/rest/system_info"
	RAIDPath        = "/api/2.1/rest/raid_status"
	SystemStatePath = "/api/2.1/rest/system_state"
	AlertURLPath    = "/api/2.1/rest/alert_notification_url"
	AlertTestPath   = "/api/2.1/rest/alert_test"
)

// TestAlertCode is the alert code sent by a test alert.
const TestAlertCode = 1401

// Alert is the body the device posts to "<alert url>/alerts".
type Alert struct {
	Code        int    `json:"code"`
	Severity    string `json:"severity"`
	Device      string `json:"device"`
	Description string `json:"description"`
}

// State is what the fake reports about itself.
type State struct {
	ID       string
	Model    string
	Serial   string
	Firmware string
	// RAIDStatus is e.g. "healthy" or "degraded". Empty means the device has no RAID.
	RAIDStatus string
}

// Device is an http.Handler. It is safe for concurrent use.
type Device struct {
	username    string
	password    string
	state       State
	bootedAt    time.Time
	downFor     time.Duration
	downUntil   time.Time
	rebootCount int
	tokens      map[string]struct{}
	logins      int
	requests    []string
	alertURL    string
	alertClient *http.Client
	handler     http.Handler
	debugLogger framework.Logger
	lock        sync.Mutex
}

// New creates a Device that accepts the given credentials.
func New(username, password string, state State, debugLogger framework.Logger) *Device {
	if debugLogger == nil {
		debugLogger = framework.NullLogger()
	}
	d := &Device{
		username:    username,
		password:    password,
		state:       state,
		bootedAt:    time.Now(),
		downFor:     50 * time.Millisecond,
		tokens:      make(map[string]struct{}),
		alertClient: &http.Client{Timeout: 5 * time.Second},
		debugLogger: debugLogger,
	}

	router := mux.NewRouter()
	router.HandleFunc(LoginPath, d.serveLogin).Methods("POST")
	api := router.NewRoute().Subrouter()
	api.Use(d.requireToken)
	api.HandleFunc(FirmwarePath, d.serveFirmware).Methods("GET")
	api.HandleFunc(SystemInfoPath, d.serveSystemInfo).Methods("GET")
	api.HandleFunc(RAIDPath, d.serveRAID).Methods("GET")
	api.HandleFunc(SystemStatePath, d.serveSystemState).Methods("PUT")
	api.HandleFunc(AlertURLPath, d.serveAlertURL).Methods("PUT")
	api.HandleFunc(AlertTestPath, d.serveAlertTest).Methods("POST")
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.debugLogger.Printf("[mockdevice] unknown request %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})
	d.handler = router

	return d
}

func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.lock.Lock()
	d.requests = append(d.requests, r.Method+" "+r.URL.Path)
	down := time.Now().Before(d.downUntil)
	d.lock.Unlock()
	if down {
		// A rebooting device doesn't answer at all; closing the connection is the nearest
		// thing an http.Handler can do.
		panic(http.ErrAbortHandler)
	}
	d.handler.ServeHTTP(w, r)
}

func (d *Device) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, hasToken := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		d.lock.Lock()
		_, ok := d.tokens[token]
		d.lock.Unlock()
		if !hasToken || !ok {
			d.debugLogger.Printf("[mockdevice] rejected %s %s: bad token", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d *Device) serveLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &creds); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if creds.Username != d.username || creds.Password != d.password {
		d.debugLogger.Printf("[mockdevice] login as %q refused", creds.Username)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token := uuid.NewString()
	d.lock.Lock()
	d.tokens[token] = struct{}{}
	d.logins++
	d.lock.Unlock()
	writeJSON(w, map[string]string{"token": token})
}

func (d *Device) serveFirmware(w http.ResponseWriter, r *http.Request) {
	d.lock.Lock()
	fw := d.state.Firmware
	d.lock.Unlock()
	writeJSON(w, map[string]interface{}{"firmware": map[string]string{"version": fw}})
}

func (d *Device) serveSystemInfo(w http.ResponseWriter, r *http.Request) {
	d.lock.Lock()
	info := map[string]interface{}{
		"name":          d.state.ID,
		"model_number":  d.state.Model,
		"serial_number": d.state.Serial,
		"uptime":        int(time.Since(d.bootedAt).Seconds()),
		"reboot_count":  d.rebootCount,
	}
	d.lock.Unlock()
	writeJSON(w, map[string]interface{}{"system_info": info})
}

func (d *Device) serveRAID(w http.ResponseWriter, r *http.Request) {
	d.lock.Lock()
	status := d.state.RAIDStatus
	d.lock.Unlock()
	if status == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"raid": map[string]string{"status": status}})
}

func (d *Device) serveSystemState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil || req.State != "reboot" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	d.Reboot()
}

func (d *Device) serveAlertURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	d.lock.Lock()
	d.alertURL = strings.TrimSuffix(req.URL, "/")
	d.lock.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// serveAlertTest answers at once and delivers the alert in the background, as the firmware's
// alert daemon does.
func (d *Device) serveAlertTest(w http.ResponseWriter, r *http.Request) {
	d.lock.Lock()
	target := d.alertURL
	alert := Alert{
		Code:        TestAlertCode,
		Severity:    "info",
		Device:      d.state.ID,
		Description: "Test alert",
	}
	d.lock.Unlock()
	if target == "" {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	go d.sendAlert(target+"/alerts", alert)
}

func (d *Device) sendAlert(url string, alert Alert) {
	data, _ := json.Marshal(alert)
	resp, err := d.alertClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		d.debugLogger.Printf("[mockdevice] alert delivery to %s failed: %s", url, err)
		return
	}
	_ = resp.Body.Close()
	d.debugLogger.Printf("[mockdevice] alert delivered to %s: %d", url, resp.StatusCode)
}

// AlertURL returns the configured alert notification URL, if any.
func (d *Device) AlertURL() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.alertURL
}

// Reboot makes the device unreachable for the configured downtime. Every session token is
// invalidated, as on a real device.
func (d *Device) Reboot() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.debugLogger.Printf("[mockdevice] rebooting, down for %s", d.downFor)
	d.downUntil = time.Now().Add(d.downFor)
	d.bootedAt = d.downUntil
	d.rebootCount++
	d.tokens = make(map[string]struct{})
}

// SetDowntime sets how long a reboot keeps the device unreachable.
func (d *Device) SetDowntime(downFor time.Duration) {
	d.lock.Lock()
	d.downFor = downFor
	d.lock.Unlock()
}

// SetFirmware changes the reported firmware version.
func (d *Device) SetFirmware(version string) {
	d.lock.Lock()
	d.state.Firmware = version
	d.lock.Unlock()
}

// SetRAIDStatus changes the reported RAID status.
func (d *Device) SetRAIDStatus(status string) {
	d.lock.Lock()
	d.state.RAIDStatus = status
	d.lock.Unlock()
}

// ExpireTokens forgets every session token, so that the next request gets a 401.
func (d *Device) ExpireTokens() {
	d.lock.Lock()
	d.tokens = make(map[string]struct{})
	d.lock.Unlock()
}

// Reboots returns how many times the device has rebooted.
func (d *Device) Reboots() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.rebootCount
}

// Logins returns how many logins succeeded.
func (d *Device) Logins() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.logins
}

// Requests returns "METHOD /path" for every request received, in order.
func (d *Device) Requests() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.requests...)
}

// Ping implements device.Pinger: the device answers unless it is rebooting.
func (d *Device) Ping(ctx context.Context, host string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	return !time.Now().Before(d.downUntil), nil
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	data, _ := json.Marshal(value)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
