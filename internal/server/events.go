package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/jsonval"
	"github.com/sluice-io/sluice/internal/store"
)

// replayWarning rides along with every replay acknowledgment so
// operators know what re-running an event actually does.
const replayWarning = "Replay re-evaluates the event against current rule versions; non-idempotent actions already applied by the same rule version are deduplicated."

type eventPage struct {
	Events []store.Event `json:"events"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type attemptList struct {
	Attempts []store.Attempt `json:"attempts"`
}

type replayResponse struct {
	Event   store.Event `json:"event"`
	Warning string      `json:"warning"`
}

type replayBatchResponse struct {
	Requested int           `json:"requested"`
	Replayed  int           `json:"replayed"`
	Events    []store.Event `json:"events"`
	Warning   string        `json:"warning"`
}

type requeueStuckResponse struct {
	Count  int           `json:"count"`
	Events []store.Event `json:"events"`
}

// handleIngest accepts an event and returns its row. Duplicates of an
// already-known external id are acknowledged with the existing row,
// so senders can retry blindly.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validateBody(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := jsonval.DecodeObject(req.Data); err != nil {
		s.writeError(w, r, fault.Validation("data must be a JSON object"))
		return
	}

	res, err := s.store.Ingest(r.Context(), req.ID, req.Type, req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.EventsIngested.WithLabelValues(strconv.FormatBool(res.Deduplicated)).Inc()
	s.hub.Publish(res.Event.ID, res.Event.State)
	s.writeJSON(w, http.StatusCreated, res.Event)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.store.GetEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, total, err := s.store.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset := filter.Page()
	s.writeJSON(w, http.StatusOK, eventPage{
		Events: events,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.store.Stats(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handleListAttempts returns an event's attempt history. The event is
// fetched first so a missing id is a 404 rather than an empty list.
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetEvent(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attemptList{Attempts: attempts})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.store.Replay(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.EventsReplayed.Inc()
	s.hub.Publish(ev.ID, ev.State)
	s.writeJSON(w, http.StatusOK, replayResponse{Event: ev, Warning: replayWarning})
}

// handleReplayBatch requeues every replayable event in the batch and
// reports how many actually moved. Events that are missing or not in
// a terminal state are skipped, not errors.
func (s *Server) handleReplayBatch(w http.ResponseWriter, r *http.Request) {
	var req replayBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validateBody(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.store.ReplayBatch(r.Context(), req.EventIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.EventsReplayed.Add(float64(len(events)))
	for _, ev := range events {
		s.hub.Publish(ev.ID, ev.State)
	}
	s.writeJSON(w, http.StatusOK, replayBatchResponse{
		Requested: len(req.EventIDs),
		Replayed:  len(events),
		Events:    events,
		Warning:   replayWarning,
	})
}

// handleRequeueStuck runs the recovery sweep on demand. The janitor
// covers the steady state; this endpoint exists for operators who do
// not want to wait out the schedule.
func (s *Server) handleRequeueStuck(w http.ResponseWriter, r *http.Request) {
	var req requeueStuckRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validateBody(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	olderThan := s.cfg.RecoverOlderThan
	if req.OlderThanSeconds != nil {
		olderThan = time.Duration(*req.OlderThanSeconds) * time.Second
	}

	events, err := s.store.RecoverStuck(r.Context(), olderThan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.EventsRecovered.Add(float64(len(events)))
	for _, ev := range events {
		s.hub.Publish(ev.ID, ev.State)
	}
	s.writeJSON(w, http.StatusOK, requeueStuckResponse{Count: len(events), Events: events})
}
