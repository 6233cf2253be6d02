package credservice

const (
	JobQueuedMessage       = "Job queued."
	JobAlreadyQueuedError  = "Job already queued."
	JobDeletedMessage      = "Job deleted."
	JobNotFoundError       = "Job not found."
	JobCheckPassedMessage  = "Job check passed."
	JobNoAccountsError     = "Job requests no cloud accounts."
	AccountAddedMessage    = "Account added."
	AccountDeletedMessage  = "Account deleted."
	MalformedPayloadError  = "Invalid message payload."
	CredentialsLookupError = "Credentials cannot be retrieved."
	InternalError          = "Internal Error"
)
