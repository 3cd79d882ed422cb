package caption

import (
	"os"
	"strings"
)

// CredentialEnv names the environment variable holding the inference API token.
const CredentialEnv = "HF_API_TOKEN"

const redacted = "[REDACTED]"

// Credential is an opaque bearer token. Every printable form is redacted;
// only Token exposes the value.
type Credential struct {
	token string
}

// NewCredential wraps a token. Surrounding whitespace is dropped.
func NewCredential(token string) Credential {
	return Credential{token: strings.TrimSpace(token)}
}

// Token returns the raw token for the Authorization header.
func (c Credential) Token() string { return c.token }

// IsZero reports whether no token is present.
func (c Credential) IsZero() bool { return c.token == "" }

func (c Credential) String() string {
	if c.IsZero() {
		return ""
	}
	return redacted
}

func (c Credential) GoString() string { return "caption.Credential{" + c.String() + "}" }

func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ResolveCredential picks the explicit credential when present, otherwise
// the one named by CredentialEnv. A nil lookup reads the process environment.
func ResolveCredential(explicit Credential, lookup LookupFunc) Credential {
	if !explicit.IsZero() {
		return explicit
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if value, ok := lookup(CredentialEnv); ok {
		return NewCredential(value)
	}
	return Credential{}
}

// SelectBackend applies the command-line rule: remote when asked for, when
// a token is passed explicitly, or when the credential variable is set in
// the environment. Otherwise local.
func SelectBackend(useRemote bool, explicit Credential, lookup LookupFunc) Backend {
	if useRemote || !explicit.IsZero() {
		return BackendRemote
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	// A variable that is set but empty still asks for remote; the remote
	// captioner then reports the missing token.
	if _, ok := lookup(CredentialEnv); ok {
		return BackendRemote
	}
	return BackendLocal
}
