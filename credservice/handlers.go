package credservice

import (
	"encoding/json"
	"errors"

	"github.com/imgflow/credentials/core/bus"
	"github.com/imgflow/credentials/core/directory"
	"github.com/imgflow/credentials/core/registry"
	"github.com/imgflow/credentials/model"
)

// Per-job states: Queued (registered, config not yet persisted) ->
// AwaitingRequest (config persisted) -> Fulfilled | Deleted. The state is
// derived: a registered job with a persisted config awaits requests, and the
// handlers below enforce the transitions as preconditions.

func (s *Service) handleJobAdd(routingKey string, body []byte) bus.Result {
	job := &model.Job{}
	if err := json.Unmarshal(body, job); err != nil {
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}
	if err := s.validate.Struct(job); err != nil {
		s.logger.Warn("job add payload failed validation", "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: MalformedPayloadError}
	}

	if err := s.registry.Register(job); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			// idempotent: the first registration stands
			return bus.Result{JobID: job.ID, Success: false, Message: JobAlreadyQueuedError}
		}
		s.logger.Error("cannot register job", "job_id", job.ID, "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: InternalError}
	}

	s.logger.Info("job queued", "job_id", job.ID, "cloud", job.Cloud, "user", job.RequestingUser)
	return bus.Result{JobID: job.ID, Success: true, Message: JobQueuedMessage}
}

func (s *Service) handleJobDelete(routingKey string, body []byte) bus.Result {
	job := &model.Job{}
	if err := json.Unmarshal(body, job); err != nil || job.ID == "" {
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}

	if !s.registry.Registered(job.ID) {
		// non-fatal: deleting an unknown job just acks failure
		return bus.Result{JobID: job.ID, Success: false, Message: JobNotFoundError}
	}

	if err := s.registry.Unregister(job.ID); err != nil {
		s.logger.Error("cannot unregister job", "job_id", job.ID, "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: InternalError}
	}

	s.logger.Info("job deleted", "job_id", job.ID)
	return bus.Result{JobID: job.ID, Success: true, Message: JobDeletedMessage}
}

// handleJobCheck is the pre-flight authorization gate. It runs before
// registration and never touches the registry: resolve the requested
// accounts and groups, verify a secret exists for each, and publish the
// verdict as a start-job or invalid-job event.
func (s *Service) handleJobCheck(routingKey string, body []byte) bus.Result {
	job := &model.Job{}
	if err := json.Unmarshal(body, job); err != nil {
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}
	if err := s.validate.Struct(job); err != nil {
		return bus.Result{JobID: job.ID, Success: false, Message: MalformedPayloadError}
	}

	if !job.RequestsCredentials() {
		s.publishJobEvent(bus.KeyJobInvalid, &model.JobEvent{
			JobID:          job.ID,
			Cloud:          job.Cloud,
			RequestingUser: job.RequestingUser,
			Error:          JobNoAccountsError,
		})
		s.logger.Warn("job check failed", "job_id", job.ID, "error", JobNoAccountsError)
		return bus.Result{JobID: job.ID, Success: false, Message: JobNoAccountsError}
	}

	resolved, err := s.resolver.ResolveAccountsForJob(job.Cloud, job.RequestingUser, job.Accounts, job.Groups)
	if err == nil {
		err = s.resolver.VerifyCredentialsExist(job.RequestingUser, job.Cloud, directory.SortedNames(resolved))
	}

	if err != nil {
		s.publishJobEvent(bus.KeyJobInvalid, &model.JobEvent{
			JobID:          job.ID,
			Cloud:          job.Cloud,
			RequestingUser: job.RequestingUser,
			Error:          err.Error(),
		})
		s.logger.Warn("job check failed", "job_id", job.ID, "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: err.Error()}
	}

	accounts := make(map[string]interface{}, len(resolved))
	for name, raw := range resolved {
		var info interface{}
		if err := json.Unmarshal(raw, &info); err != nil {
			info = map[string]interface{}{}
		}
		accounts[name] = info
	}

	s.publishJobEvent(bus.KeyJobStart, &model.JobEvent{
		JobID:          job.ID,
		Cloud:          job.Cloud,
		RequestingUser: job.RequestingUser,
		Accounts:       accounts,
	})
	s.logger.Info("job check passed", "job_id", job.ID, "accounts", len(accounts))
	return bus.Result{JobID: job.ID, Success: true, Message: JobCheckPassedMessage}
}

func (s *Service) publishJobEvent(routingKey string, event *model.JobEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("cannot marshal job event", "error", err)
		return
	}
	if err := s.publisher.Publish(routingKey, body); err != nil {
		s.logger.Error("cannot publish job event", "routing_key", routingKey, "error", err)
	}
}

// handleAccountAdd writes the directory entry first and the secret second,
// so a half-failure leaves an account pointing at a missing secret rather
// than an orphan secret with no directory entry.
func (s *Service) handleAccountAdd(routingKey string, body []byte) bus.Result {
	payload := &model.AccountPayload{}
	if err := json.Unmarshal(body, payload); err != nil {
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}
	if err := s.validate.Struct(payload); err != nil || len(payload.Credentials) == 0 {
		s.logger.Warn("account add payload failed validation", "error", err)
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}

	info, err := directory.DecodeInfo(payload.Cloud, payload.Info)
	if err != nil {
		s.logger.Warn("account add rejected", "cloud", payload.Cloud, "error", err)
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}

	if err := s.directory.AddAccount(payload.Cloud, payload.RequestingUser, payload.AccountName, info, payload.Group); err != nil {
		s.logger.Error("cannot update account directory", "account", payload.AccountName, "error", err)
		return bus.Result{Success: false, Message: InternalError}
	}

	secret, err := json.Marshal(payload.Credentials)
	if err != nil {
		return bus.Result{Success: false, Message: InternalError}
	}
	if err := s.secrets.Put(payload.RequestingUser, payload.Cloud, payload.AccountName, secret); err != nil {
		s.logger.Error("cannot store account secret", "account", payload.AccountName, "error", err)
		return bus.Result{Success: false, Message: InternalError}
	}

	s.logger.Info("account added",
		"cloud", payload.Cloud, "user", payload.RequestingUser, "account", payload.AccountName)
	return bus.Result{Success: true, Message: AccountAddedMessage}
}

// handleAccountDelete removes the secret, then the directory entry, then the
// account's membership in every group for that user. Best-effort idempotent.
func (s *Service) handleAccountDelete(routingKey string, body []byte) bus.Result {
	payload := &model.AccountPayload{}
	if err := json.Unmarshal(body, payload); err != nil {
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}
	if payload.Cloud == "" || payload.AccountName == "" || payload.RequestingUser == "" {
		return bus.Result{Success: false, Message: MalformedPayloadError}
	}

	if err := s.secrets.Delete(payload.RequestingUser, payload.Cloud, payload.AccountName); err != nil {
		s.logger.Error("cannot delete account secret", "account", payload.AccountName, "error", err)
		return bus.Result{Success: false, Message: InternalError}
	}
	if err := s.directory.DeleteAccount(payload.Cloud, payload.RequestingUser, payload.AccountName); err != nil {
		s.logger.Error("cannot delete directory entry", "account", payload.AccountName, "error", err)
		return bus.Result{Success: false, Message: InternalError}
	}

	s.logger.Info("account deleted",
		"cloud", payload.Cloud, "user", payload.RequestingUser, "account", payload.AccountName)
	return bus.Result{Success: true, Message: AccountDeletedMessage}
}
