package credservice

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/imgflow/credentials/core/bus"
	"github.com/imgflow/credentials/core/directory"
	"github.com/imgflow/credentials/core/registry"
	"github.com/imgflow/credentials/core/token"
	"github.com/imgflow/credentials/model"
)

// handleCredentialsRequest serves request.<service> routing keys. An invalid
// or expired token is logged and silently dropped with no response at all;
// the sender must time out and retry with a fresh token. Anything after
// successful verification gets an explicit answer.
func (s *Service) handleCredentialsRequest(routingKey string, body []byte) bus.Result {
	service := strings.TrimPrefix(routingKey, bus.KeyRequestPrefix)

	request := &model.CredentialsRequest{}
	if err := json.Unmarshal(body, request); err != nil || request.JWTToken == "" {
		s.logger.Warn("malformed credentials request dropped", "service", service)
		return bus.Result{Silent: true}
	}

	claims, err := s.issuer.VerifyRequest(request.JWTToken, token.ServiceIdentity)
	if err != nil {
		// no secret material and no token contents in the log line
		s.logger.Warn("credentials request failed verification, dropping",
			"service", service)
		return bus.Result{Silent: true}
	}

	if claims.Issuer != service {
		s.logger.Warn("credentials request issuer does not match routing key, dropping",
			"service", service, "issuer", claims.Issuer)
		return bus.Result{Silent: true}
	}

	job, err := s.registry.Lookup(claims.JobID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// verified requester asked about a job we no longer hold:
			// answer on the control channel so the absence is observable
			s.logger.Warn("credentials requested for unregistered job",
				"job_id", claims.JobID, "service", service)
			return bus.Result{JobID: claims.JobID, Success: false, Message: JobNotFoundError}
		}
		return bus.Result{JobID: claims.JobID, Success: false, Message: InternalError}
	}

	credentials, err := s.collectCredentials(job)
	if err != nil {
		s.logger.Error("cannot collect job credentials",
			"job_id", job.ID, "service", service, "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: CredentialsLookupError}
	}

	responseToken, err := s.issuer.IssueResponse(job.ID, claims.Issuer, credentials)
	if err != nil {
		s.logger.Error("cannot issue response token", "job_id", job.ID, "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: InternalError}
	}

	response, err := json.Marshal(&model.CredentialsResponse{JWTToken: responseToken})
	if err != nil {
		return bus.Result{JobID: job.ID, Success: false, Message: InternalError}
	}
	if err := s.publisher.PublishToQueue(service+bus.ResponseQueueSuffix, response); err != nil {
		s.logger.Error("cannot publish credentials response",
			"job_id", job.ID, "service", service, "error", err)
		return bus.Result{JobID: job.ID, Success: false, Message: InternalError}
	}

	s.metrics.IncResponseIssued(service)
	s.logger.Info("credentials response issued",
		"job_id", job.ID, "service", service, "accounts", len(credentials))

	// the response itself is the answer; nothing on the control channel
	return bus.Result{JobID: job.ID, Success: true, Silent: true}
}

// collectCredentials resolves the job's account set and gathers each
// account's ciphertext unchanged. Secrets are never decrypted in transit;
// the requester decrypts with its own shared key.
func (s *Service) collectCredentials(job *model.Job) (map[string]string, error) {
	resolved, err := s.resolver.ResolveAccountsForJob(job.Cloud, job.RequestingUser, job.Accounts, job.Groups)
	if err != nil {
		return nil, err
	}

	credentials := make(map[string]string, len(resolved))
	for _, name := range directory.SortedNames(resolved) {
		ciphertext, err := s.secrets.GetCiphertext(job.RequestingUser, job.Cloud, name)
		if err != nil {
			return nil, err
		}
		credentials[name] = string(ciphertext)
	}

	return credentials, nil
}
