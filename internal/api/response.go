package api

import (
	"encoding/json"
	"net/http"
	"time"
)

type triggerResponse struct {
	ExecutionID string `json:"execution_id"`
	Job         string `json:"job"`
}

type jobView struct {
	Name             string `json:"name"`
	RunningExecution string `json:"running_execution,omitempty"`
}

type rearmResponse struct {
	ID      string `json:"id"`
	Rearmed bool   `json:"rearmed"`
}

type leaderView struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder,omitempty"`
	Token     int64     `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Self      string    `json:"self"`
	IsLeader  bool      `json:"is_leader"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
