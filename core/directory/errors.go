package directory

import "fmt"

// Authorization failures name the offending account or group so the job's
// originator can fix the request. They never carry secret material.

type UnknownGroupError struct {
	Group string
}

func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("group %q does not exist", e.Group)
}

type MissingAccountError struct {
	Account string
}

func (e *MissingAccountError) Error() string {
	return fmt.Sprintf("account %q has no directory entry", e.Account)
}

type MissingCredentialsError struct {
	Account string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("no credentials stored for account %q", e.Account)
}
