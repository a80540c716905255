package warden

import (
	"time"

	"github.com/aadithya-v/warden/store"
)

const (
	// PrincipalNameIndex is the index sessions are found under by principal name.
	PrincipalNameIndex = "PRINCIPAL_NAME"

	// PrincipalNameAttribute holds the principal name as a string. It takes
	// precedence over SecurityContextAttribute.
	PrincipalNameAttribute = PrincipalNameIndex

	// SecurityContextAttribute holds an authenticated identity, typically a
	// SecurityContext. Any value implementing Principal is indexed.
	SecurityContextAttribute = "SECURITY_CONTEXT"
)

// Principal is implemented by values that carry an authenticated principal name.
type Principal interface {
	PrincipalName() string
}

// SecurityContext is the identity an application stores after authenticating a user.
type SecurityContext struct {
	Username        string    `json:"username"`
	Roles           []string  `json:"roles,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// PrincipalName returns the username.
func (c SecurityContext) PrincipalName() string { return c.Username }

// PrincipalIndexer derives PrincipalNameIndex from session attributes.
type PrincipalIndexer struct {
	codec *Codec
}

// NewPrincipalIndexer returns an indexer decoding attributes with codec.
func NewPrincipalIndexer(codec *Codec) *PrincipalIndexer {
	return &PrincipalIndexer{codec: codec}
}

// Names implements store.Indexer.
func (p *PrincipalIndexer) Names() []string {
	return []string{PrincipalNameIndex}
}

// Keys implements store.Indexer.
func (p *PrincipalIndexer) Keys() []string {
	return []string{PrincipalNameAttribute, SecurityContextAttribute}
}

// Resolve implements store.Indexer.
func (p *PrincipalIndexer) Resolve(attrs map[string]store.Envelope) map[string]string {
	if name := p.principalName(attrs); name != "" {
		return map[string]string{PrincipalNameIndex: name}
	}
	return nil
}

func (p *PrincipalIndexer) principalName(attrs map[string]store.Envelope) string {
	if env, ok := attrs[PrincipalNameAttribute]; ok {
		if v, err := p.codec.Decode(env); err == nil {
			if name, ok := v.(string); ok && name != "" {
				return name
			}
		}
	}
	if env, ok := attrs[SecurityContextAttribute]; ok {
		if v, err := p.codec.Decode(env); err == nil {
			if pr, ok := v.(Principal); ok {
				return pr.PrincipalName()
			}
		}
	}
	return ""
}

var _ store.Indexer = (*PrincipalIndexer)(nil)
