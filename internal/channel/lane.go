package channel

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/orchestrator"
)

// Lane runs the sequences the remote client asks for
type Lane interface {
	HandleEntry(ctx context.Context, req orchestrator.EntryRequest) orchestrator.Outcome
	OnScan(ctx context.Context, code string) orchestrator.Outcome
}

// ServeLane runs ticket requests and exits from the remote client on lane and
// answers each one with EventTicketResult. Sequences run off the read loop.
func (c *Client) ServeLane(ctx context.Context, lane Lane, entry, exit bool) {
	if entry {
		c.On(EventTicketRequest, func(data json.RawMessage) {
			var req model.TicketRequestData
			if err := json.Unmarshal(data, &req); err != nil {
				c.opts.Logger.Warn("Malformed ticket request", zap.Error(err))
				c.reply(model.TicketResultData{
					Flow:  string(orchestrator.FlowEntry),
					Stage: string(orchestrator.StageFailed),
					Error: "malformed ticket request",
				})
				return
			}
			go func() {
				out := lane.HandleEntry(ctx, orchestrator.EntryRequest{
					PlateNumber: req.PlateNumber,
					VehicleType: model.VehicleType(strings.ToUpper(req.VehicleType)),
				})
				result := resultOf(out)
				if result.PlateNumber == "" {
					result.PlateNumber = req.PlateNumber
				}
				c.reply(result)
			}()
		})
	}

	if exit {
		c.On(EventTicketExit, func(data json.RawMessage) {
			var req model.TicketExitData
			if err := json.Unmarshal(data, &req); err != nil {
				c.opts.Logger.Warn("Malformed exit request", zap.Error(err))
				c.reply(model.TicketResultData{
					Flow:  string(orchestrator.FlowExit),
					Stage: string(orchestrator.StageFailed),
					Error: "malformed exit request",
				})
				return
			}
			go func() {
				c.reply(resultOf(lane.OnScan(ctx, req.TicketID)))
			}()
		})
	}
}

func (c *Client) reply(result model.TicketResultData) {
	if err := c.Publish(EventTicketResult, result); err != nil {
		c.opts.Logger.Warn("Ticket result not queued",
			zap.String("ticket_id", result.TicketID), zap.Error(err))
	}
}

func resultOf(out orchestrator.Outcome) model.TicketResultData {
	result := model.TicketResultData{
		Flow:     string(out.Flow),
		TicketID: out.Code,
		Stage:    string(out.Stage),
		OK:       out.OK(),
	}
	if out.Session != nil {
		result.TicketID = out.Session.ID
		result.PlateNumber = out.Session.PlateNumber
		result.Fee = out.Session.Fee
	}
	if out.Err != nil {
		result.Error = out.Err.Error()
	}
	return result
}
