package viewerhttp

import "github.com/keithlinneman/viewerboot/internal/viewer"

// LoadBody is the JSON body of POST /api/viewer/load.
type LoadBody struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// LoadResponse is returned by the load and upload endpoints.
type LoadResponse struct {
	Report  *viewer.Report `json:"report,omitempty"`
	Loaded  int            `json:"loaded"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
	Error   string         `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-load error.
type ErrorResponse struct {
	Error string `json:"error"`
}
