package domain

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Content     string `json:"content" validate:"required,max=32000"`
	Model       string `json:"model,omitempty" validate:"omitempty,max=200"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// ErrorResponse is the JSON error body returned by the HTTP API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is a plain acknowledgement body.
type StatusResponse struct {
	Message string `json:"message"`
}
