package httpapi

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/scheduler"
)

type scheduleRequest struct {
	AuthKey   string          `json:"authKey"`
	DeviceID  string          `json:"deviceId"`
	Command   json.RawMessage `json:"command"`
	Mode      scheduler.Mode  `json:"mode"`
	ExecuteAt int64           `json:"executeAt,omitempty"`
	Countdown int64           `json:"countdown,omitempty"`
	Interval  int64           `json:"interval,omitempty"`
}

func (r scheduleRequest) params() scheduler.CreateParams {
	return scheduler.CreateParams{
		AuthKey:   r.AuthKey,
		DeviceID:  r.DeviceID,
		Command:   r.Command,
		Mode:      r.Mode,
		ExecuteAt: r.ExecuteAt,
		Countdown: r.Countdown,
		Interval:  r.Interval,
	}
}

// taskResponse is the scheduler.Task wire shape for spec.md §4.8/§8: it
// drops the device authKey (an internal lookup key, not something to echo
// back to the caller) and exposes the task id as taskId.
type taskResponse struct {
	TaskID         string          `json:"taskId"`
	DeviceID       string          `json:"deviceId"`
	Command        json.RawMessage `json:"command"`
	Mode           scheduler.Mode  `json:"mode"`
	ExecuteAt      int64           `json:"executeAt"`
	IntervalMs     int64           `json:"intervalMs,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	LastExecutedAt int64           `json:"lastExecutedAt,omitempty"`
	Enabled        bool            `json:"enabled"`
}

func newTaskResponse(t scheduler.Task) taskResponse {
	return taskResponse{
		TaskID:         t.ID,
		DeviceID:       t.DeviceID,
		Command:        t.Command,
		Mode:           t.Mode,
		ExecuteAt:      t.ExecuteAt,
		IntervalMs:     t.IntervalMs,
		CreatedAt:      t.CreatedAt,
		LastExecutedAt: t.LastExecutedAt,
		Enabled:        t.Enabled,
	}
}

func newTaskResponses(tasks []scheduler.Task) []taskResponse {
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = newTaskResponse(t)
	}
	return out
}

// handleScheduleCreate implements `POST /schedule` (spec.md §4.8 validation
// rules enforced by scheduler.CreateTask).
func (s *Server) handleScheduleCreate(ctx *fasthttp.RequestCtx) {
	var req scheduleRequest
	if err := decodeBody(ctx, &req); err != nil || req.AuthKey == "" || req.DeviceID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "authKey and deviceId are required")
		return
	}

	task, err := s.scheduler.CreateTask(req.params(), time.Now().UnixMilli())
	if err != nil {
		s.writeEnvelope(ctx, codeBadRequest, err.Error())
		return
	}
	s.writeOK(ctx, newTaskResponse(*task))
}

// handleScheduleList implements `GET /schedule?authKey`.
func (s *Server) handleScheduleList(ctx *fasthttp.RequestCtx) {
	authKey := string(ctx.QueryArgs().Peek("authKey"))
	if authKey == "" {
		s.writeEnvelope(ctx, codeBadRequest, "authKey is required")
		return
	}
	s.writeOK(ctx, newTaskResponses(s.scheduler.ListTasksForAuthKey(authKey)))
}

// handleScheduleUpdate implements `PUT /schedule?id=`.
func (s *Server) handleScheduleUpdate(ctx *fasthttp.RequestCtx) {
	id := string(ctx.QueryArgs().Peek("id"))
	if id == "" {
		s.writeEnvelope(ctx, codeBadRequest, "id is required")
		return
	}
	var req scheduleRequest
	if err := decodeBody(ctx, &req); err != nil {
		s.writeEnvelope(ctx, codeBadRequest, "malformed body")
		return
	}

	if _, ok := s.scheduler.GetTask(id); !ok {
		s.writeEnvelope(ctx, codeUnauthorizedOrNF, "task not found")
		return
	}
	task, err := s.scheduler.UpdateTask(id, req.params(), time.Now().UnixMilli())
	if err != nil {
		s.writeEnvelope(ctx, codeBadRequest, err.Error())
		return
	}
	s.writeOK(ctx, newTaskResponse(*task))
}

// handleScheduleCancel implements `DELETE /schedule?id=`.
func (s *Server) handleScheduleCancel(ctx *fasthttp.RequestCtx) {
	id := string(ctx.QueryArgs().Peek("id"))
	if id == "" {
		s.writeEnvelope(ctx, codeBadRequest, "id is required")
		return
	}
	if !s.scheduler.CancelTask(id) {
		s.writeEnvelope(ctx, codeUnauthorizedOrNF, "task not found")
		return
	}
	s.writeOK(ctx, nil)
}
