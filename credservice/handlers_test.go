package credservice

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgflow/credentials/core/bus"
	"github.com/imgflow/credentials/core/directory"
	"github.com/imgflow/credentials/core/keyring"
	"github.com/imgflow/credentials/core/registry"
	"github.com/imgflow/credentials/core/rotation"
	"github.com/imgflow/credentials/core/secretstore"
	"github.com/imgflow/credentials/core/token"
	"github.com/imgflow/credentials/metrics"
	"github.com/imgflow/credentials/model"
	"github.com/imgflow/credentials/pkg/logger"
	"github.com/imgflow/credentials/storage"
)

var testSecret = []byte("test-deployment-secret")

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: map[string][][]byte{}}
}

func (p *capturingPublisher) Publish(routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[routingKey] = append(p.messages[routingKey], body)
	return nil
}

func (p *capturingPublisher) PublishToQueue(queue string, body []byte) error {
	return p.Publish("queue:"+queue, body)
}

func (p *capturingPublisher) published(key string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[key]
}

func newTestService(t *testing.T) (*Service, *capturingPublisher) {
	t.Helper()

	rootDB, err := storage.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, keyring.Bootstrap(rootDB, "credentials.key"))
	ring, err := keyring.Load(rootDB, "credentials.key")
	require.NoError(t, err)

	secretsDB, err := storage.New(t.TempDir())
	require.NoError(t, err)
	jobsDB, err := storage.New(t.TempDir())
	require.NoError(t, err)

	secrets := secretstore.New(secretsDB, ring)
	dir := directory.New(rootDB, "accounts.json")
	pub := newCapturingPublisher()

	s := &Service{
		logger:    logger.NewNoOpLogger(),
		ring:      ring,
		secrets:   secrets,
		directory: dir,
		resolver:  directory.NewResolver(dir, secrets),
		registry:  registry.New(jobsDB, nil),
		rotator:   rotation.NewRotator(ring, secrets, nil),
		issuer:    token.NewIssuer(testSecret),
		publisher: pub,
		metrics:   metrics.NewCredMetrics(prometheus.NewRegistry()),
		validate:  validator.New(),
	}

	return s, pub
}

func addTestAccount(t *testing.T, s *Service, cloud, user, account, group string, withSecret bool) {
	t.Helper()

	info, err := directory.DecodeInfo(cloud, map[string]interface{}{"region": "us-east-1"})
	require.NoError(t, err)
	require.NoError(t, s.directory.AddAccount(cloud, user, account, info, group))
	if withSecret {
		require.NoError(t, s.secrets.Put(user, cloud, account, []byte(`{"access_key":"AKIA"}`)))
	}
}

func jobBody(t *testing.T, id string, accounts, groups []string) []byte {
	t.Helper()
	body, err := json.Marshal(&model.Job{
		ID:             id,
		RequestingUser: "alice",
		Cloud:          "ec2",
		Accounts:       accounts,
		Groups:         groups,
		LastService:    "publish",
	})
	require.NoError(t, err)
	return body
}

func TestJobAddDuplicateID(t *testing.T) {
	s, _ := newTestService(t)

	first := s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "42", []string{"acct-a"}, nil))
	assert.True(t, first.Success)
	assert.Equal(t, JobQueuedMessage, first.Message)

	second := s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "42", []string{"acct-a"}, nil))
	assert.False(t, second.Success)
	assert.Equal(t, JobAlreadyQueuedError, second.Message)

	assert.Equal(t, 1, s.registry.Count())
}

func TestJobAddMalformedPayload(t *testing.T) {
	s, _ := newTestService(t)

	result := s.handleJobAdd(bus.KeyJobAdd, []byte("{not json"))
	assert.False(t, result.Success)
	assert.Equal(t, MalformedPayloadError, result.Message)

	// missing requesting_user
	result = s.handleJobAdd(bus.KeyJobAdd, []byte(`{"id":"1","cloud":"ec2"}`))
	assert.False(t, result.Success)
	assert.Equal(t, 0, s.registry.Count())
}

func TestJobDelete(t *testing.T) {
	s, _ := newTestService(t)

	require.True(t, s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "7", nil, nil)).Success)

	result := s.handleJobDelete(bus.KeyJobDelete, []byte(`{"id":"7"}`))
	assert.True(t, result.Success)
	assert.Equal(t, 0, s.registry.Count())

	// deleting again acks failure, non-fatal
	result = s.handleJobDelete(bus.KeyJobDelete, []byte(`{"id":"7"}`))
	assert.False(t, result.Success)
	assert.Equal(t, JobNotFoundError, result.Message)
}

func TestJobCheckPublishesStartEvent(t *testing.T) {
	s, pub := newTestService(t)

	addTestAccount(t, s, "ec2", "alice", "acct-a", "g1", true)
	addTestAccount(t, s, "ec2", "alice", "acct-b", "g1", true)

	result := s.handleJobCheck(bus.KeyJobCheck, jobBody(t, "9", nil, []string{"g1"}))
	assert.True(t, result.Success)

	events := pub.published(bus.KeyJobStart)
	require.Len(t, events, 1)

	var event model.JobEvent
	require.NoError(t, json.Unmarshal(events[0], &event))
	assert.Equal(t, "9", event.JobID)
	assert.Len(t, event.Accounts, 2)
	assert.Contains(t, event.Accounts, "acct-a")
	assert.Contains(t, event.Accounts, "acct-b")

	// pre-flight check never registers the job
	assert.Equal(t, 0, s.registry.Count())
}

func TestJobCheckMissingCredentials(t *testing.T) {
	s, pub := newTestService(t)

	// g1 = [acct-a, acct-b], but acct-b's secret file is missing
	addTestAccount(t, s, "ec2", "alice", "acct-a", "g1", true)
	addTestAccount(t, s, "ec2", "alice", "acct-b", "g1", false)

	result := s.handleJobCheck(bus.KeyJobCheck, jobBody(t, "9", nil, []string{"g1"}))
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "acct-b")

	events := pub.published(bus.KeyJobInvalid)
	require.Len(t, events, 1)
	var event model.JobEvent
	require.NoError(t, json.Unmarshal(events[0], &event))
	assert.Contains(t, event.Error, "acct-b")

	assert.Empty(t, pub.published(bus.KeyJobStart))
	assert.Equal(t, 0, s.registry.Count())
}

func TestJobCheckRejectsJobWithoutAccounts(t *testing.T) {
	s, pub := newTestService(t)

	result := s.handleJobCheck(bus.KeyJobCheck, jobBody(t, "9", nil, nil))
	assert.False(t, result.Success)
	assert.Equal(t, JobNoAccountsError, result.Message)

	events := pub.published(bus.KeyJobInvalid)
	require.Len(t, events, 1)
	var event model.JobEvent
	require.NoError(t, json.Unmarshal(events[0], &event))
	assert.Equal(t, JobNoAccountsError, event.Error)

	assert.Empty(t, pub.published(bus.KeyJobStart))
}

func TestJobCheckUnknownGroup(t *testing.T) {
	s, pub := newTestService(t)
	addTestAccount(t, s, "ec2", "alice", "acct-a", "", true)

	result := s.handleJobCheck(bus.KeyJobCheck, jobBody(t, "9", nil, []string{"nope"}))
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "nope")
	require.Len(t, pub.published(bus.KeyJobInvalid), 1)
}

func accountAddBody(t *testing.T, cloud, user, account, group string) []byte {
	t.Helper()
	body, err := json.Marshal(&model.AccountPayload{
		Cloud:          cloud,
		AccountName:    account,
		RequestingUser: user,
		Group:          group,
		Credentials:    map[string]interface{}{"access_key_id": "AKIA", "secret_access_key": "shh"},
		Info:           map[string]interface{}{"region": "us-east-1"},
	})
	require.NoError(t, err)
	return body
}

func TestAccountAddStoresDirectoryEntryAndSecret(t *testing.T) {
	s, _ := newTestService(t)

	result := s.handleAccountAdd(bus.KeyAccountAdd, accountAddBody(t, "ec2", "alice", "acct-a", "g1"))
	require.True(t, result.Success, result.Message)

	raw, err := s.directory.Account("ec2", "alice", "acct-a")
	require.NoError(t, err)
	assert.NotNil(t, raw)

	plaintext, err := s.secrets.Get("alice", "ec2", "acct-a")
	require.NoError(t, err)
	assert.Contains(t, string(plaintext), "access_key_id")
}

func TestAccountAddUnknownCloudRejected(t *testing.T) {
	s, _ := newTestService(t)

	result := s.handleAccountAdd(bus.KeyAccountAdd, accountAddBody(t, "linode", "alice", "acct-a", ""))
	assert.False(t, result.Success)

	found, err := s.secrets.Exists("alice", "linode", "acct-a")
	require.NoError(t, err)
	assert.False(t, found, "secret written for rejected account")
}

func TestAccountDeleteIsIdempotent(t *testing.T) {
	s, _ := newTestService(t)

	require.True(t, s.handleAccountAdd(bus.KeyAccountAdd, accountAddBody(t, "ec2", "alice", "acct-a", "g1")).Success)

	deleteBody := []byte(`{"cloud":"ec2","account_name":"acct-a","requesting_user":"alice"}`)
	assert.True(t, s.handleAccountDelete(bus.KeyAccountDelete, deleteBody).Success)
	// second delete: the account is gone but the operation still succeeds
	assert.True(t, s.handleAccountDelete(bus.KeyAccountDelete, deleteBody).Success)

	found, err := s.secrets.Exists("alice", "ec2", "acct-a")
	require.NoError(t, err)
	assert.False(t, found)

	raw, err := s.directory.Account("ec2", "alice", "acct-a")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func requestBody(t *testing.T, s *Service, service, jobID string) []byte {
	t.Helper()
	tok, err := s.issuer.IssueRequest(service, jobID)
	require.NoError(t, err)
	body, err := json.Marshal(&model.CredentialsRequest{JWTToken: tok})
	require.NoError(t, err)
	return body
}

func TestCredentialsRequestHappyPath(t *testing.T) {
	s, pub := newTestService(t)

	addTestAccount(t, s, "ec2", "alice", "acct-a", "", true)
	require.True(t, s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "42", []string{"acct-a"}, nil)).Success)

	result := s.handleCredentialsRequest("request.upload", requestBody(t, s, "upload", "42"))
	assert.True(t, result.Success)
	assert.True(t, result.Silent, "success is answered on the response queue, not the control channel")

	responses := pub.published("queue:upload" + bus.ResponseQueueSuffix)
	require.Len(t, responses, 1)

	var resp model.CredentialsResponse
	require.NoError(t, json.Unmarshal(responses[0], &resp))

	// the stage verifies the response against its own identity
	claims, err := s.issuer.VerifyResponse(resp.JWTToken, "upload")
	require.NoError(t, err)
	assert.Equal(t, "42", claims.JobID)
	assert.Equal(t, token.ServiceIdentity, claims.Issuer)

	// the carried ciphertext decrypts to the stored secret
	ciphertext, ok := claims.Credentials["acct-a"]
	require.True(t, ok)
	plaintext, err := s.ring.Decrypt([]byte(ciphertext))
	require.NoError(t, err)
	assert.Contains(t, string(plaintext), "access_key")
}

func TestCredentialsRequestExpiredTokenSilentlyDropped(t *testing.T) {
	s, pub := newTestService(t)

	addTestAccount(t, s, "ec2", "alice", "acct-a", "", true)
	require.True(t, s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "42", []string{"acct-a"}, nil)).Success)

	expired := token.NewIssuerAt(testSecret, func() time.Time {
		return time.Now().Add(-token.Lifetime - time.Second)
	})
	tok, err := expired.IssueRequest("upload", "42")
	require.NoError(t, err)
	body, err := json.Marshal(&model.CredentialsRequest{JWTToken: tok})
	require.NoError(t, err)

	result := s.handleCredentialsRequest("request.upload", body)
	assert.True(t, result.Silent)
	assert.Empty(t, pub.published("queue:upload"+bus.ResponseQueueSuffix))
}

func TestCredentialsRequestWrongSecretSilentlyDropped(t *testing.T) {
	s, pub := newTestService(t)

	forger := token.NewIssuer([]byte("attacker"))
	tok, err := forger.IssueRequest("upload", "42")
	require.NoError(t, err)
	body, err := json.Marshal(&model.CredentialsRequest{JWTToken: tok})
	require.NoError(t, err)

	result := s.handleCredentialsRequest("request.upload", body)
	assert.True(t, result.Silent)
	assert.Empty(t, pub.published("queue:upload"+bus.ResponseQueueSuffix))
}

func TestCredentialsRequestUnregisteredJob(t *testing.T) {
	s, pub := newTestService(t)

	result := s.handleCredentialsRequest("request.upload", requestBody(t, s, "upload", "ghost"))
	assert.False(t, result.Success)
	assert.False(t, result.Silent, "a verified request for a missing job gets a control response")
	assert.Equal(t, JobNotFoundError, result.Message)
	assert.Empty(t, pub.published("queue:upload"+bus.ResponseQueueSuffix))
}

func TestCredentialsRequestIssuerMismatch(t *testing.T) {
	s, _ := newTestService(t)

	addTestAccount(t, s, "ec2", "alice", "acct-a", "", true)
	require.True(t, s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "42", []string{"acct-a"}, nil)).Success)

	// token issued by "publish" arriving on upload's routing key
	result := s.handleCredentialsRequest("request.upload", requestBody(t, s, "publish", "42"))
	assert.True(t, result.Silent)
}

func TestJobDeleteAfterResponseDoesNotRevoke(t *testing.T) {
	s, pub := newTestService(t)

	addTestAccount(t, s, "ec2", "alice", "acct-a", "", true)
	require.True(t, s.handleJobAdd(bus.KeyJobAdd, jobBody(t, "42", []string{"acct-a"}, nil)).Success)

	first := s.handleCredentialsRequest("request.upload", requestBody(t, s, "upload", "42"))
	assert.True(t, first.Success)

	require.True(t, s.handleJobDelete(bus.KeyJobDelete, []byte(`{"id":"42"}`)).Success)

	// the already-issued response still stands
	responses := pub.published("queue:upload" + bus.ResponseQueueSuffix)
	require.Len(t, responses, 1)

	// but further requests for the id are refused
	second := s.handleCredentialsRequest("request.upload", requestBody(t, s, "upload", "42"))
	assert.False(t, second.Success)
	assert.Equal(t, JobNotFoundError, second.Message)
}
