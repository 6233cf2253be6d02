package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SubjectRequest marks a token asking for credentials on behalf of a job.
	SubjectRequest = "credentials_request"
	// SubjectResponse marks a token carrying credential ciphertext back.
	SubjectResponse = "credentials_response"

	// ServiceIdentity is this service's name on the bus; requests must be
	// addressed to it.
	ServiceIdentity = "credentials"

	JwtAlg = "HS256"

	// Lifetime bounds replay of an intercepted token.
	Lifetime = 5 * time.Minute
)

var ErrInvalidToken = errors.New("invalid credentials token")

// Claims is the wire shape of both request and response tokens:
// {exp, iat, sub, iss, aud, id, credentials?}.
type Claims struct {
	jwt.RegisteredClaims
	JobID       string            `json:"id,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// Issuer builds and verifies the bounded-lifetime signed tokens. One
// algorithm and shared secret, configured at deployment.
type Issuer struct {
	secret []byte

	// now is swappable in tests to issue already-expired tokens
	now func() time.Time
}

func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// NewIssuerAt pins the issuer's clock, for backdating tokens in tests.
func NewIssuerAt(secret []byte, now func() time.Time) *Issuer {
	return &Issuer{secret: secret, now: now}
}

func (i *Issuer) sign(claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("cannot sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) baseClaims(sub, iss, aud, jobID string) *Claims {
	now := i.now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    iss,
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Lifetime)),
		},
		JobID: jobID,
	}
}

// IssueRequest signs "stage <issuer> requests credentials for job <jobID>".
func (i *Issuer) IssueRequest(issuer, jobID string) (string, error) {
	return i.sign(i.baseClaims(SubjectRequest, issuer, ServiceIdentity, jobID))
}

// IssueResponse signs "here is ciphertext for job <jobID>, audience
// <audience>". The audience is the issuer of the request being answered.
// Credential values are ciphertext, never decrypted in transit.
func (i *Issuer) IssueResponse(jobID, audience string, credentials map[string]string) (string, error) {
	claims := i.baseClaims(SubjectResponse, ServiceIdentity, audience, jobID)
	claims.Credentials = credentials
	return i.sign(claims)
}

func (i *Issuer) verify(tokenString, expectedSubject, expectedAudience string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{JwtAlg}),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		// never echo token contents back
		return nil, ErrInvalidToken
	}

	if claims.Subject != expectedSubject {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// VerifyRequest checks signature, audience and expiry of a request token.
// Failure details stay out of the error; the caller drops the message.
func (i *Issuer) VerifyRequest(tokenString, expectedAudience string) (*Claims, error) {
	return i.verify(tokenString, SubjectRequest, expectedAudience)
}

// VerifyResponse is the stage-side counterpart for response tokens.
func (i *Issuer) VerifyResponse(tokenString, expectedAudience string) (*Claims, error) {
	return i.verify(tokenString, SubjectResponse, expectedAudience)
}
