package core

import "fmt"

// CredentialKind is the shape of a stored secret.
type CredentialKind string

const (
	UsernamePassword CredentialKind = "UsernamePassword"
	Token            CredentialKind = "Token"
	File             CredentialKind = "File"
	SSHKey           CredentialKind = "SSHKey"
)

// ParseCredentialKind accepts the canonical names case-sensitively.
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch k := CredentialKind(s); k {
	case UsernamePassword, Token, File, SSHKey:
		return k, nil
	}
	return "", fmt.Errorf("unknown credential kind %q", s)
}

// Secret is a credential value exposed inside one scoped acquisition.
// Username is only set for UsernamePassword; Value holds the password,
// token, file content or private key. The bytes are zeroed when the
// acquisition ends, so callers must not retain them.
type Secret struct {
	Kind     CredentialKind
	Username string
	Value    []byte
}

// String never prints the value.
func (s Secret) String() string {
	return fmt.Sprintf("Secret(%s, ****)", s.Kind)
}

// Requester identifies the stage execution asking for a credential.
type Requester struct {
	Run      uint64
	Pipeline string
	Stage    string
}

func (r Requester) String() string {
	return fmt.Sprintf("%s#%d/%s", r.Pipeline, r.Run, r.Stage)
}

// CredentialHandle is a single-use capability. Use exposes the secret to fn
// and revokes the handle when fn returns, on every exit path. Any later
// Use fails with ErrHandleRevoked.
type CredentialHandle interface {
	Use(fn func(Secret) error) error
}

// CredentialResolver looks up credentials by name for one stage execution.
type CredentialResolver interface {
	Resolve(name string, requester Requester) (CredentialHandle, error)
}
