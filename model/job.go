package model

// Job is one in-flight publishing workflow instance. It is created by a
// "job add" message and referenced by credential requests until it is
// deleted or the pipeline completes.
type Job struct {
	ID             string   `json:"id" validate:"required"`
	RequestingUser string   `json:"requesting_user" validate:"required"`
	Cloud          string   `json:"cloud" validate:"required"`
	Accounts       []string `json:"cloud_accounts,omitempty"`
	Groups         []string `json:"cloud_groups,omitempty"`

	// LastService is the final pipeline stage for this job, after which the
	// registration is torn down.
	LastService string `json:"last_service,omitempty"`

	// ConfigPath is where the job document is persisted while the job is in
	// flight. Not part of the wire payload.
	ConfigPath string `json:"-"`
}

// RequestsCredentials reports whether the job names any account or group at
// all. A job with neither never passes the authorization gate.
func (j *Job) RequestsCredentials() bool {
	return len(j.Accounts) > 0 || len(j.Groups) > 0
}
