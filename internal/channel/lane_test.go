package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"parking-service/internal/model"
	"parking-service/internal/orchestrator"
)

type fakeLane struct {
	mu      sync.Mutex
	entries []orchestrator.EntryRequest
	exits   []string
}

func (l *fakeLane) HandleEntry(ctx context.Context, req orchestrator.EntryRequest) orchestrator.Outcome {
	l.mu.Lock()
	l.entries = append(l.entries, req)
	l.mu.Unlock()

	return orchestrator.Outcome{
		Flow:  orchestrator.FlowEntry,
		Stage: orchestrator.StageDone,
		Code:  "20240101-ABCD1234",
		Session: &model.Session{
			ID:          "20240101-ABCD1234",
			PlateNumber: "B1234CD",
			VehicleType: req.VehicleType,
			Status:      model.SessionActive,
		},
	}
}

func (l *fakeLane) OnScan(ctx context.Context, code string) orchestrator.Outcome {
	l.mu.Lock()
	l.exits = append(l.exits, code)
	l.mu.Unlock()

	if code != "20240101-ABCD1234" {
		return orchestrator.Outcome{
			Flow:  orchestrator.FlowExit,
			Stage: orchestrator.StageFailed,
			Code:  code,
			Err:   errors.New("ticket not found"),
		}
	}
	fee := int64(7000)
	return orchestrator.Outcome{
		Flow:  orchestrator.FlowExit,
		Stage: orchestrator.StageDone,
		Code:  code,
		Session: &model.Session{
			ID:          code,
			PlateNumber: "B1234CD",
			Status:      model.SessionCompleted,
			Fee:         &fee,
		},
	}
}

// remote is the exit-point client end of the websocket
type remote struct {
	server   *httptest.Server
	requests chan Envelope
	results  chan model.TicketResultData
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{
		requests: make(chan Envelope, 8),
		results:  make(chan model.TicketResultData, 8),
	}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for env := range r.requests {
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event != EventTicketResult {
				continue
			}
			var result model.TicketResultData
			if err := json.Unmarshal(env.Data, &result); err == nil {
				r.results <- result
			}
		}
	}))
	t.Cleanup(func() {
		close(r.requests)
		r.server.Close()
	})
	return r
}

func (r *remote) send(t *testing.T, event string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	r.requests <- Envelope{Event: event, Data: payload}
}

func (r *remote) result(t *testing.T) model.TicketResultData {
	t.Helper()
	select {
	case result := <-r.results:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("no ticket result received")
		return model.TicketResultData{}
	}
}

func TestServeLaneAnswersEntryRequest(t *testing.T) {
	r := newRemote(t)
	client := newTestClient(wsURL(r.server), 3)
	defer client.Close()

	lane := &fakeLane{}
	client.ServeLane(context.Background(), lane, true, true)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.send(t, EventTicketRequest, model.TicketRequestData{PlateNumber: "B1234CD", VehicleType: "car"})
	result := r.result(t)

	if !result.OK || result.Flow != "entry" || result.Stage != "DONE" {
		t.Fatalf("result = %+v", result)
	}
	if result.TicketID != "20240101-ABCD1234" || result.PlateNumber != "B1234CD" || result.Error != "" {
		t.Fatalf("result = %+v", result)
	}
	lane.mu.Lock()
	defer lane.mu.Unlock()
	if len(lane.entries) != 1 || lane.entries[0].VehicleType != model.VehicleCar {
		t.Fatalf("entries = %+v", lane.entries)
	}
}

func TestServeLaneAnswersExits(t *testing.T) {
	r := newRemote(t)
	client := newTestClient(wsURL(r.server), 3)
	defer client.Close()

	client.ServeLane(context.Background(), &fakeLane{}, false, true)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tests := []struct {
		code  string
		ok    bool
		fee   int64
		error string
	}{
		{"20240101-ABCD1234", true, 7000, ""},
		{"UNKNOWN", false, 0, "ticket not found"},
	}
	for _, tt := range tests {
		r.send(t, EventTicketExit, model.TicketExitData{TicketID: tt.code})
		result := r.result(t)

		if result.OK != tt.ok || result.TicketID != tt.code || result.Error != tt.error {
			t.Fatalf("%s: result = %+v", tt.code, result)
		}
		if tt.ok && (result.Fee == nil || *result.Fee != tt.fee) {
			t.Fatalf("%s: fee = %v", tt.code, result.Fee)
		}
		if !tt.ok && (result.Stage != "FAILED" || result.Fee != nil) {
			t.Fatalf("%s: result = %+v", tt.code, result)
		}
	}
}

func TestServeLaneRejectsMalformedRequest(t *testing.T) {
	r := newRemote(t)
	client := newTestClient(wsURL(r.server), 3)
	defer client.Close()

	lane := &fakeLane{}
	client.ServeLane(context.Background(), lane, true, false)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.requests <- Envelope{Event: EventTicketRequest, Data: json.RawMessage(`"B1234CD"`)}
	result := r.result(t)
	if result.OK || result.Error == "" || result.Flow != "entry" {
		t.Fatalf("result = %+v", result)
	}

	// Exits are not served by an entry lane
	r.send(t, EventTicketExit, model.TicketExitData{TicketID: "20240101-ABCD1234"})
	select {
	case result := <-r.results:
		t.Fatalf("unexpected result %+v", result)
	case <-time.After(100 * time.Millisecond):
	}
	lane.mu.Lock()
	defer lane.mu.Unlock()
	if len(lane.entries) != 0 || len(lane.exits) != 0 {
		t.Fatalf("lane ran entries=%v exits=%v", lane.entries, lane.exits)
	}
}
