package bff

import (
	"encoding/json"
	"net/http"

	"github.com/panyam/authfetch"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	LoginURL string `json:"login_url,omitempty"`
}

// errorToHTTP maps a client error to the status and code sent to the browser
func errorToHTTP(err error) (int, string) {
	switch authfetch.KindOf(err) {
	case authfetch.KindAuthentication:
		return http.StatusUnauthorized, "unauthenticated"
	case authfetch.KindNetwork:
		return http.StatusBadGateway, "backend_unavailable"
	case authfetch.KindValidation:
		return http.StatusBadRequest, "invalid_request"
	case authfetch.KindServer:
		return http.StatusBadGateway, "backend_error"
	case authfetch.KindUnknown:
		return http.StatusInternalServerError, "internal"
	}
	return http.StatusInternalServerError, "internal"
}

func (g *Gateway) writeClientError(w http.ResponseWriter, err error) {
	status, code := errorToHTTP(err)
	msg := http.StatusText(status)
	switch status {
	case http.StatusUnauthorized:
		msg = "session has ended, please log in again"
	case http.StatusBadGateway:
		msg = "backend request failed"
	}

	body := errorBody{Error: errorDetail{Code: code, Message: msg}}
	if status == http.StatusUnauthorized {
		body.Error.LoginURL = g.LoginURL
	}
	g.writeJSON(w, status, body)
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, code, msg string) {
	g.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
