package shell

import (
	"errors"

	"golang.org/x/crypto/ssh"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/apperr"
)

// Credential is exactly one of PrivateKey or Password.
type Credential interface {
	authMethod() ssh.AuthMethod
	Kind() string
}

// PrivateKey authenticates with a parsed key. RSA, ECDSA and Ed25519 keys in
// PEM or OpenSSH format are accepted.
type PrivateKey struct {
	signer ssh.Signer
}

// Kind returns "private_key".
func (PrivateKey) Kind() string { return "private_key" }

func (k PrivateKey) authMethod() ssh.AuthMethod {
	return ssh.PublicKeys(k.signer)
}

// Password authenticates with a password.
type Password struct {
	secret string
}

// Kind returns "password".
func (Password) Kind() string { return "password" }

func (p Password) authMethod() ssh.AuthMethod {
	return ssh.Password(p.secret)
}

// NewCredential validates the credential shape before any network attempt.
// Supplying both key material and a password, or neither, is rejected.
func NewCredential(privateKey, passphrase, password string) (Credential, error) {
	switch {
	case privateKey != "" && password != "":
		return nil, apperr.New(apperr.CodeInvalidRequest, "supply either a private key or a password, not both")
	case privateKey == "" && password == "":
		return nil, apperr.New(apperr.CodeInvalidRequest, "a private key or a password is required")
	case password != "":
		return Password{secret: password}, nil
	}

	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(privateKey))
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, apperr.New(apperr.CodeInvalidRequest, "private key is encrypted and no passphrase was supplied")
		}
		return nil, apperr.Wrap(apperr.CodeInvalidRequest, "parsing private key", err)
	}

	return PrivateKey{signer: signer}, nil
}
