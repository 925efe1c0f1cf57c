package handlers

import (
	"encoding/json"
	"net/http"
)

// errorBody is the OpenAI-compatible error envelope every failure
// path returns.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = errType

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
