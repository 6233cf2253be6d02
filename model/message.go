package model

// Payloads exchanged over the bus. Producers are external collaborators; only
// the messages themselves are validated here.

// AccountPayload is emitted by the account-management API for "account add"
// and "account delete" routing keys. Credentials carries the cloud-specific
// secret fields verbatim; Info carries the non-secret directory fields and is
// decoded per cloud into a typed variant.
type AccountPayload struct {
	Cloud          string                 `json:"cloud" validate:"required"`
	AccountName    string                 `json:"account_name" validate:"required"`
	RequestingUser string                 `json:"requesting_user" validate:"required"`
	Group          string                 `json:"group,omitempty"`
	Credentials    map[string]interface{} `json:"credentials,omitempty"`
	Info           map[string]interface{} `json:"info,omitempty"`
}

// CredentialsRequest wraps the signed request token a pipeline stage sends on
// its request.<service> routing key.
type CredentialsRequest struct {
	JWTToken string `json:"jwt_token" validate:"required"`
}

// CredentialsResponse wraps the signed response token published back to the
// requesting stage's response queue.
type CredentialsResponse struct {
	JWTToken string `json:"jwt_token"`
}

// ControlResponse mirrors the outcome of every control action to the
// operational response channel. It never contains secret material.
type ControlResponse struct {
	MessageID string `json:"message_id"`
	JobID     string `json:"id,omitempty"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

// JobEvent announces the outcome of a pre-flight job check: either a "start
// job" event carrying the resolved account info, or an "invalid job" event
// carrying the authorization error.
type JobEvent struct {
	JobID          string                 `json:"id"`
	Cloud          string                 `json:"cloud,omitempty"`
	RequestingUser string                 `json:"requesting_user,omitempty"`
	Accounts       map[string]interface{} `json:"accounts,omitempty"`
	Error          string                 `json:"error,omitempty"`
}
