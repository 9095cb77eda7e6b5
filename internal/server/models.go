package server

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// MessageRequest is the inbound message payload.
type MessageRequest struct {
	UserID         string                 `json:"user_id"`
	Message        string                 `json:"message"`
	Channel        string                 `json:"channel"`
	ConversationID string                 `json:"conversation_id"`
	DisplayName    string                 `json:"display_name,omitempty"`
	Timezone       string                 `json:"timezone,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
}

// MessagePart is one ordered piece of a split response.
type MessagePart struct {
	Sequence int    `json:"sequence"`
	Content  string `json:"content"`
}

// MessageResponse carries the final response for a processed message.
type MessageResponse struct {
	RequestID           string        `json:"request_id"`
	FinalResponse       string        `json:"final_response"`
	Parts               []MessagePart `json:"parts,omitempty"`
	ValidationPassed    bool          `json:"validation_passed"`
	RefinementAttempted bool          `json:"refinement_attempted"`
	GracefulFailure     bool          `json:"graceful_failure"`
	TotalDurationMs     int64         `json:"total_duration_ms"`
}

// TokenRequest is the client-credentials payload.
type TokenRequest struct {
	ClientID string `json:"client_id"`
	Secret   string `json:"secret"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}
