package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/gate"
	"parking-service/internal/middleware"
	"parking-service/internal/model"
	"parking-service/internal/orchestrator"
	"parking-service/internal/protocol"
	"parking-service/internal/service"
	"parking-service/internal/session"
	"parking-service/internal/utils"
)

func newTestRouter() (*gin.Engine, *gin.RouterGroup, gin.HandlerFunc) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	auth := middleware.OperatorAuth(&config.SecurityConfig{}, utils.NewSecurityLogger(zap.NewNop()))
	return router, router.Group("/api/v1"), auth
}

func do(router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, utils.APIResponse) {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp utils.APIResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &session.SessionError{Kind: session.ErrNotFound, Code: "X"}, http.StatusNotFound},
		{"already completed", fmt.Errorf("complete: %w", session.ErrAlreadyCompleted), http.StatusConflict},
		{"duplicate active", session.ErrDuplicateActive, http.StatusConflict},
		{"invalid", session.ErrInvalidRequest, http.StatusBadRequest},
		{"no rate", session.ErrRateUnavailable, http.StatusUnprocessableEntity},
		{"unknown device", service.ErrDeviceNotFound, http.StatusNotFound},
		{"printer command", service.ErrUnsupportedCommand, http.StatusBadRequest},
		{"gate", &gate.GateError{GateID: "GATE_01", Op: "open", Err: errors.New("boom")}, http.StatusBadGateway},
		{"link", &protocol.LinkError{Kind: protocol.ErrorTimeout, Device: "GATE_01", Op: "send", Err: protocol.ErrAckTimeout}, http.StatusBadGateway},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, _ := statusFor(tt.err); got != tt.want {
				t.Fatalf("statusFor = %d, want %d", got, tt.want)
			}
		})
	}
}

type fakeLane struct {
	mu      sync.Mutex
	entries []orchestrator.EntryRequest
	scans   []string
	outcome orchestrator.Outcome
}

func (f *fakeLane) HandleEntry(ctx context.Context, req orchestrator.EntryRequest) orchestrator.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, req)
	return f.outcome
}

func (f *fakeLane) OnScan(ctx context.Context, code string) orchestrator.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, code)
	return f.outcome
}

func (f *fakeLane) Stats() orchestrator.Stats {
	return orchestrator.Stats{Sequences: int64(len(f.scans) + len(f.entries))}
}

func laneRouter(lane Lane, role string) *gin.Engine {
	router, api, auth := newTestRouter()
	cfg := &config.Config{Facility: config.FacilityConfig{Role: role}}
	NewOperationHandler(lane, cfg, zap.NewNop()).RegisterRoutes(api, auth)
	return router
}

func TestExitMapsOutcome(t *testing.T) {
	fee := int64(7000)
	settled := orchestrator.Outcome{
		Stage:   orchestrator.StageDone,
		Code:    "20240101-ABCDEF12",
		Session: &model.Session{ID: "20240101-ABCDEF12", Status: model.SessionCompleted, Fee: &fee},
	}

	tests := []struct {
		name    string
		outcome orchestrator.Outcome
		status  int
		message string
	}{
		{"settled", settled, http.StatusOK, "Ticket settled"},
		{"not found", orchestrator.Outcome{Stage: orchestrator.StageFailed, Err: session.ErrNotFound}, http.StatusNotFound, "Ticket not found"},
		{"paid", orchestrator.Outcome{Stage: orchestrator.StageFailed, Err: session.ErrAlreadyCompleted}, http.StatusConflict, "Ticket already settled"},
		{"gate failed", func() orchestrator.Outcome {
			o := settled
			o.GateErr = errors.New("gate jammed")
			return o
		}(), http.StatusOK, "gate did not open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lane := &fakeLane{outcome: tt.outcome}
			router := laneRouter(lane, "exit")

			rec, resp := do(router, http.MethodPost, "/api/v1/sessions/20240101-ABCDEF12/exit", nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if !strings.Contains(resp.Message, tt.message) {
				t.Fatalf("message = %q, want %q", resp.Message, tt.message)
			}
			if len(lane.scans) != 1 || lane.scans[0] != "20240101-ABCDEF12" {
				t.Fatalf("scans = %v", lane.scans)
			}
		})
	}
}

func TestInjectScan(t *testing.T) {
	lane := &fakeLane{outcome: orchestrator.Outcome{Stage: orchestrator.StageDone}}
	router := laneRouter(lane, "both")

	if rec, _ := do(router, http.MethodPost, "/api/v1/scans", map[string]string{"code": " 20240101-ABCDEF12 "}); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if lane.scans[0] != "20240101-ABCDEF12" {
		t.Fatalf("code not trimmed: %q", lane.scans[0])
	}

	if rec, _ := do(router, http.MethodPost, "/api/v1/scans", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing code status = %d", rec.Code)
	}
	if rec, _ := do(router, http.MethodPost, "/api/v1/scans", map[string]string{"code": "   "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank code status = %d", rec.Code)
	}
	if len(lane.scans) != 1 {
		t.Fatalf("invalid requests reached the lane: %v", lane.scans)
	}
}

func TestEnter(t *testing.T) {
	lane := &fakeLane{outcome: orchestrator.Outcome{Stage: orchestrator.StageDone, Code: "20240101-ABCDEF12"}}
	router := laneRouter(lane, "entry")

	rec, resp := do(router, http.MethodPost, "/api/v1/sessions", map[string]string{"plateNumber": "B 1234 CD", "vehicleType": "CAR"})
	if rec.Code != http.StatusCreated || !resp.Success {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if lane.entries[0].PlateNumber != "B 1234 CD" || lane.entries[0].VehicleType != model.VehicleCar {
		t.Fatalf("entry = %+v", lane.entries[0])
	}

	if rec, _ := do(router, http.MethodPost, "/api/v1/sessions", map[string]string{"plateNumber": "B1234CD"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing vehicle type status = %d", rec.Code)
	}

	lane.outcome = orchestrator.Outcome{Stage: orchestrator.StageFailed, Err: fmt.Errorf("%w: vehicle type", session.ErrInvalidRequest)}
	if rec, _ := do(router, http.MethodPost, "/api/v1/sessions", map[string]string{"plateNumber": "B1234CD", "vehicleType": "BOAT"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid vehicle type status = %d", rec.Code)
	}
}

func TestRoleLimitsRoutes(t *testing.T) {
	lane := &fakeLane{outcome: orchestrator.Outcome{Stage: orchestrator.StageDone}}

	entryOnly := laneRouter(lane, "entry")
	if rec, _ := do(entryOnly, http.MethodPost, "/api/v1/scans", map[string]string{"code": "X"}); rec.Code != http.StatusNotFound {
		t.Fatalf("entry lane accepted a scan: %d", rec.Code)
	}

	exitOnly := laneRouter(lane, "exit")
	if rec, _ := do(exitOnly, http.MethodPost, "/api/v1/sessions", map[string]string{"plateNumber": "B1234CD", "vehicleType": "CAR"}); rec.Code != http.StatusNotFound {
		t.Fatalf("exit lane issued a ticket: %d", rec.Code)
	}
	if len(lane.entries)+len(lane.scans) != 0 {
		t.Fatal("unrouted requests reached the lane")
	}
}

type fakeGate struct {
	mu     sync.Mutex
	open   bool
	actors []string
	err    error
}

func (f *fakeGate) Open(ctx context.Context, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	if f.err != nil {
		return f.err
	}
	f.open = true
	return nil
}

func (f *fakeGate) Close(ctx context.Context, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	if f.err != nil {
		return f.err
	}
	f.open = false
	return nil
}

func (f *fakeGate) Status() gate.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return gate.Status{GateID: "GATE_01", IsOpen: f.open}
}

func TestGateHandler(t *testing.T) {
	g := &fakeGate{}
	router, api, auth := newTestRouter()
	NewGateHandler(g, zap.NewNop()).RegisterRoutes(api, auth)

	if rec, _ := do(router, http.MethodPost, "/api/v1/gate/open", nil); rec.Code != http.StatusOK {
		t.Fatalf("open status = %d", rec.Code)
	}
	if !g.Status().IsOpen {
		t.Fatal("gate not opened")
	}
	if g.actors[0] != middleware.AnonymousOperator {
		t.Fatalf("actor = %q", g.actors[0])
	}

	rec, resp := do(router, http.MethodGet, "/api/v1/gate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if data, _ := resp.Data.(map[string]interface{}); data["isOpen"] != true {
		t.Fatalf("status data = %v", resp.Data)
	}

	g.err = &gate.GateError{GateID: "GATE_01", Op: "close", Err: protocol.ErrAckTimeout}
	rec, resp = do(router, http.MethodPost, "/api/v1/gate/close", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed close status = %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "DEVICE_ERROR" {
		t.Fatalf("error = %+v", resp.Error)
	}
}

type fakeDevices struct {
	ports       []string
	portsErr    error
	reconnected []string
}

func (f *fakeDevices) List() []service.DeviceInfo {
	return []service.DeviceInfo{{DeviceID: "GATE_01", Kind: model.DeviceKindGate}}
}

func (f *fakeDevices) Describe(deviceID string) (*service.DeviceInfo, error) {
	if deviceID != "GATE_01" {
		return nil, service.ErrDeviceNotFound
	}
	return &service.DeviceInfo{DeviceID: deviceID, Kind: model.DeviceKindGate}, nil
}

func (f *fakeDevices) TestDevice(ctx context.Context, deviceID string) (*service.TestResult, error) {
	if deviceID != "GATE_01" {
		return nil, service.ErrDeviceNotFound
	}
	return &service.TestResult{DeviceID: deviceID, Success: false, ErrorMessage: "no ack"}, nil
}

func (f *fakeDevices) Reconnect(deviceID string) error {
	if deviceID != "GATE_01" {
		return service.ErrDeviceNotFound
	}
	f.reconnected = append(f.reconnected, deviceID)
	return nil
}

func (f *fakeDevices) PushConfig(ctx context.Context, deviceID string) error {
	return fmt.Errorf("%w: %s", service.ErrUnsupportedCommand, deviceID)
}

func (f *fakeDevices) Ports() ([]string, error) {
	return f.ports, f.portsErr
}

func TestDeviceHandler(t *testing.T) {
	devices := &fakeDevices{ports: []string{"/dev/ttyUSB0"}}
	router, api, auth := newTestRouter()
	NewDeviceHandler(devices, zap.NewNop()).RegisterRoutes(api, auth)

	rec, resp := do(router, http.MethodGet, "/api/v1/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	data := resp.Data.(map[string]interface{})
	if ports, _ := data["ports"].([]interface{}); len(ports) != 1 {
		t.Fatalf("ports = %v", data["ports"])
	}

	devices.portsErr = errors.New("no sysfs")
	_, resp = do(router, http.MethodGet, "/api/v1/devices", nil)
	if _, ok := resp.Data.(map[string]interface{})["ports"]; ok {
		t.Fatal("ports reported despite enumeration failure")
	}

	if rec, _ := do(router, http.MethodGet, "/api/v1/devices/NOPE", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", rec.Code)
	}
	if rec, resp := do(router, http.MethodPost, "/api/v1/devices/GATE_01/test", nil); rec.Code != http.StatusOK || resp.Message != "Device test failed" {
		t.Fatalf("test = %d %q", rec.Code, resp.Message)
	}
	if rec, _ := do(router, http.MethodPost, "/api/v1/devices/GATE_01/reconnect", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("reconnect status = %d", rec.Code)
	}
	if len(devices.reconnected) != 1 {
		t.Fatal("reconnect not forwarded")
	}
	if rec, _ := do(router, http.MethodPost, "/api/v1/devices/PRINTER_01/config", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("printer config status = %d", rec.Code)
	}
}
