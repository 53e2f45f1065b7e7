// Package api holds the JSON bodies exchanged between the routing tier and
// replicas, and the helpers both sides use to write them.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// NoBackendMessage is returned to clients when no replica can answer.
const NoBackendMessage = "No backend nodes available to complete the request"

type TopPhrasesData struct {
	TopPhrases []string `json:"top_phrases"`
}

// TopPhrasesResponse is the success body of GET /top-phrases.
type TopPhrasesResponse struct {
	Status string         `json:"status"`
	Data   TopPhrasesData `json:"data"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewTopPhrases(phrases []string) TopPhrasesResponse {
	if phrases == nil {
		phrases = []string{}
	}
	return TopPhrasesResponse{
		Status: StatusSuccess,
		Data:   TopPhrasesData{TopPhrases: phrases},
	}
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Status: StatusError, Message: message})
}
