package service

import "net/http"

// OAuthError is a protocol error rendered as the standard
// {error, error_description} JSON body with its HTTP status.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func InvalidRequest(description string) *OAuthError {
	return &OAuthError{Code: "invalid_request", Description: description, Status: http.StatusBadRequest}
}

func InvalidGrant(description string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: description, Status: http.StatusBadRequest}
}

// UnauthorizedGrant is the hostile-presenter variant of InvalidGrant: reuse
// detection, a failed PKCE verifier or an expired refresh token all answer
// 401 with the same invalid_grant code.
func UnauthorizedGrant(description string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: description, Status: http.StatusUnauthorized}
}

func InvalidClient(description string) *OAuthError {
	return &OAuthError{Code: "invalid_client", Description: description, Status: http.StatusUnauthorized}
}

func InvalidDPoPProof(description string) *OAuthError {
	return &OAuthError{Code: "invalid_dpop_proof", Description: description, Status: http.StatusUnauthorized}
}

func InvalidToken(description string) *OAuthError {
	return &OAuthError{Code: "invalid_token", Description: description, Status: http.StatusUnauthorized}
}

func NotFound(description string) *OAuthError {
	return &OAuthError{Code: "not_found", Description: description, Status: http.StatusNotFound}
}

func AccessDenied(description string) *OAuthError {
	return &OAuthError{Code: "access_denied", Description: description, Status: http.StatusForbidden}
}

func AuthorizationPending() *OAuthError {
	return &OAuthError{Code: "authorization_pending", Status: http.StatusBadRequest}
}

func UnsupportedGrantType(description string) *OAuthError {
	return &OAuthError{Code: "unsupported_grant_type", Description: description, Status: http.StatusBadRequest}
}

func ServerError(description string) *OAuthError {
	return &OAuthError{Code: "server_error", Description: description, Status: http.StatusInternalServerError}
}
