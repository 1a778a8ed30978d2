// Package token issues and verifies signed, expiring resume tokens.
//
// A token is base64url(JSON payload) + "." + hex(HMAC-SHA256(payload)). Tokens
// are not stored anywhere; rotating the secret invalidates all of them.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalid is the only error Verify returns. It does not say which check failed.
var ErrInvalid = errors.New("invalid resume token")

var encoding = base64.RawURLEncoding.Strict()

type payload struct {
	WorkflowID string `json:"workflowId"`
	OwnerID    string `json:"ownerId"`
	Step       string `json:"step"`
	Exp        int64  `json:"exp"`
}

// Claims is what a verified token grants.
type Claims struct {
	WorkflowID string `json:"workflowId"`
	Step       string `json:"step"`
}

// Codec signs and verifies tokens with a server-held secret.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec builds a codec. The secret must be non-empty.
func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	c := &Codec{secret: append([]byte(nil), secret...), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue returns a token for the workflow step valid for ttl.
func (c *Codec) Issue(workflowID, ownerID, step string, ttl time.Duration) (string, error) {
	if workflowID == "" || ownerID == "" {
		return "", errors.New("workflow id and owner id are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	raw, err := json.Marshal(payload{
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		Step:       step,
		Exp:        c.now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(raw) + "." + c.sign(raw), nil
}

// Verify checks signature, expiry and owner. Any failure is ErrInvalid.
func (c *Codec) Verify(token, expectedOwnerID string) (Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return Claims{}, ErrInvalid
	}
	raw, err := encoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	// Compare hex text, not decoded bytes, so case flips in the signature fail too.
	if !hmac.Equal([]byte(c.sign(raw)), []byte(sig)) {
		return Claims{}, ErrInvalid
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Claims{}, ErrInvalid
	}
	if c.now().UnixMilli() > p.Exp {
		return Claims{}, ErrInvalid
	}
	if expectedOwnerID == "" || !hmac.Equal([]byte(p.OwnerID), []byte(expectedOwnerID)) {
		return Claims{}, ErrInvalid
	}
	return Claims{WorkflowID: p.WorkflowID, Step: p.Step}, nil
}

func (c *Codec) sign(raw []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
