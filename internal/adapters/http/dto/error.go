package dto

// ErrorResponse is the error body of every REST endpoint. Error carries the
// stable machine-readable kind (not_found, not_member, throttled, ...);
// Message is human-readable detail.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func NewErrorResponse(err string, message string, code int) *ErrorResponse {
	return &ErrorResponse{
		Error:   err,
		Message: message,
		Code:    code,
	}
}
