package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"parking-service/api"
	"parking-service/internal/config"
	"parking-service/internal/gate"
	"parking-service/internal/handler"
	"parking-service/internal/middleware"
	"parking-service/internal/model"
	"parking-service/internal/orchestrator"
	"parking-service/internal/printer"
	"parking-service/internal/protocol"
	"parking-service/internal/repository"
	"parking-service/internal/service"
	"parking-service/internal/session"
	"parking-service/internal/utils"
)

func simulatedDevice(id string) config.SerialDeviceConfig {
	return config.SerialDeviceConfig{
		ID:                id,
		Driver:            "simulated",
		BaudRate:          9600,
		AckTimeout:        time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		App:      config.AppConfig{Name: "parking-service", Version: "test", Environment: "test"},
		Facility: config.FacilityConfig{Name: "TEST", Role: "both", GateID: "GATE_01"},
		Security: config.SecurityConfig{
			OperatorAuthEnabled: true,
			JWTSecret:           "test-secret",
			JWTIssuer:           "parking-service",
		},
		Devices: config.DevicesConfig{
			Simulated: true,
			Gate:      simulatedDevice("GATE_01"),
			Scanner:   simulatedDevice("SCANNER_01"),
			Printer:   simulatedDevice("PRINTER_01"),
		},
		Health: config.HealthConfig{
			Interval:           time.Hour,
			PollCommand:        "STATUS",
			GateCommandTimeout: 5 * time.Second,
		},
	}
}

type lane struct {
	router  *gin.Engine
	clock   clockwork.FakeClock
	gate    *gate.Controller
	devices *service.DeviceService
	token   string
}

func newLane(t *testing.T) *lane {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	logger := zap.NewNop()
	fake := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))

	devices := service.NewDeviceService(cfg, service.DeviceHooks{}, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	devices.Start(ctx)
	t.Cleanup(func() {
		cancel()
		devices.Close()
	})

	audit := repository.NewMemoryAuditRepository()
	g := gate.NewController(devices.Link(model.DeviceKindGate), gate.Options{
		GateID: "GATE_01",
		Clock:  fake,
		Audit:  audit,
	})
	t.Cleanup(g.Dispose)

	rates := repository.NewMemoryRateRepository(
		model.Rate{VehicleType: model.VehicleCar, BaseRate: 5000, HourlyRate: 2000},
	)
	sessions := session.NewManager(repository.NewMemorySessionRepository(), rates, session.Options{
		Clock:    fake,
		Audit:    audit,
		Location: time.UTC,
	})
	lanePrinter := printer.New(devices.Link(model.DeviceKindPrinter), printer.Options{
		PrintDelay: time.Millisecond,
	})
	orch := orchestrator.New(sessions, orchestrator.Options{
		Gate:    g,
		Printer: lanePrinter,
		Clock:   fake,
	})

	router := NewRouter(cfg, logger, Dependencies{
		Lane:     orch,
		Sessions: sessions,
		Audit:    audit,
		Gate:     g,
		Devices:  devices,
		Health:   handler.HealthDeps{Devices: devices},
		Hub:      handler.NewWebSocketHandler(handler.NewEventBus(logger), nil, nil, logger),
	}).SetupRouter()

	token, err := middleware.IssueOperatorToken(&cfg.Security, "op-1", "operator", time.Hour)
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}

	l := &lane{router: router, clock: fake, gate: g, devices: devices, token: token}
	waitFor(t, 2*time.Second, devices.AllConnected)
	return l
}

func (l *lane) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, utils.APIResponse) {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	l.router.ServeHTTP(rec, req)

	var resp utils.APIResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func (l *lane) gateDevice(t *testing.T) *protocol.SimulatedDevice {
	t.Helper()
	d, err := l.devices.Get("GATE_01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return d.Device.Simulator
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestEntryAndExitOverHTTP(t *testing.T) {
	l := newLane(t)
	device := l.gateDevice(t)

	rec, resp := l.do(http.MethodPost, "/api/v1/sessions", l.token, gin.H{"plateNumber": "B1234CD", "vehicleType": "CAR"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("entry = %d: %s", rec.Code, rec.Body.String())
	}
	code := resp.Data.(map[string]interface{})["session"].(map[string]interface{})["id"].(string)
	if n := device.CountCommand(protocol.CommandOpenGate); n != 1 {
		t.Fatalf("OPEN_GATE after entry = %d", n)
	}

	// The vehicle drives through, the gate closes behind it
	l.clock.Advance(90 * time.Minute)
	waitFor(t, time.Second, func() bool { return !l.gate.Status().IsOpen })

	rec, resp = l.do(http.MethodPost, "/api/v1/sessions/"+code+"/exit", l.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("exit = %d: %s", rec.Code, rec.Body.String())
	}
	settled := resp.Data.(map[string]interface{})["session"].(map[string]interface{})
	if settled["fee"] != float64(7000) || settled["status"] != string(model.SessionCompleted) {
		t.Fatalf("settled session = %v", settled)
	}
	if n := device.CountCommand(protocol.CommandOpenGate); n != 2 {
		t.Fatalf("OPEN_GATE after exit = %d, want 2", n)
	}

	rec, _ = l.do(http.MethodPost, "/api/v1/sessions/"+code+"/exit", l.token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second exit = %d", rec.Code)
	}
}

func TestUnknownTicketOverHTTP(t *testing.T) {
	l := newLane(t)
	device := l.gateDevice(t)

	rec, resp := l.do(http.MethodPost, "/api/v1/scans", l.token, gin.H{"code": "20240101-DEADBEEF"})
	if rec.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Fatalf("unknown ticket = %d %+v", rec.Code, resp.Error)
	}
	if n := device.CountCommand(protocol.CommandOpenGate); n != 0 {
		t.Fatalf("OPEN_GATE = %d for an unknown ticket", n)
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	l := newLane(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"health is open", http.MethodGet, "/health", "", http.StatusOK},
		{"gate status is open", http.MethodGet, "/api/v1/gate", "", http.StatusOK},
		{"rates are open", http.MethodGet, "/api/v1/rates", "", http.StatusOK},
		{"gate open needs token", http.MethodPost, "/api/v1/gate/open", "", http.StatusUnauthorized},
		{"entry needs token", http.MethodPost, "/api/v1/sessions", "", http.StatusUnauthorized},
		{"audit needs token", http.MethodGet, "/api/v1/audit", "", http.StatusUnauthorized},
		{"ws stats need token", http.MethodGet, "/api/v1/ws/stats", "", http.StatusUnauthorized},
		{"ws stats with token", http.MethodGet, "/api/v1/ws/stats", l.token, http.StatusOK},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound},
		{"openapi is open", http.MethodGet, "/openapi.yaml", "", http.StatusOK},
		{"swagger ui is open", http.MethodGet, "/swagger/index.html", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := l.do(tt.method, tt.path, tt.token, nil)
			if rec.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestOpenAPIDescribesEveryRoute(t *testing.T) {
	l := newLane(t)
	doc := string(api.OpenAPI)
	param := regexp.MustCompile(`:(\w+)`)

	for _, route := range l.router.Routes() {
		if !strings.HasPrefix(route.Path, "/api/") && route.Path != "/health" && route.Path != "/ready" && route.Path != "/live" {
			continue
		}
		path := param.ReplaceAllString(route.Path, "{$1}")
		if !strings.Contains(doc, "\n  "+path+":\n") {
			t.Errorf("%s %s missing from openapi.yaml", route.Method, path)
		}
	}
}

func TestOperatorOpensGate(t *testing.T) {
	l := newLane(t)

	rec, _ := l.do(http.MethodPost, "/api/v1/gate/open", l.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open = %d: %s", rec.Code, rec.Body.String())
	}
	if !l.gate.Status().IsOpen {
		t.Fatal("gate not open")
	}

	rec, resp := l.do(http.MethodGet, "/api/v1/audit?entity_type=gate", l.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit = %d", rec.Code)
	}
	records := resp.Data.([]interface{})
	if len(records) == 0 || records[0].(map[string]interface{})["actor"] != "op-1" {
		t.Fatalf("gate audit = %v", records)
	}
}
