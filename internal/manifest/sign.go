package manifest

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/govready/release-grq/internal/utils/security"
)

// Signer produces armored detached OpenPGP signatures.
type Signer struct {
	entity *openpgp.Entity
}

// LoadSigner reads the first private key in an armored key file and
// unlocks it with passphrase when it is encrypted.
func LoadSigner(keyPath string, passphrase []byte) (*Signer, error) {
	keyBytes, err := security.SafeReadFile(keyPath, security.RejectSymlinks)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigner(keyBytes, passphrase)
}

// ParseSigner is LoadSigner for key material already in memory.
func ParseSigner(armored []byte, passphrase []byte) (*Signer, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	var entity *openpgp.Entity
	for _, e := range keyring {
		if e.PrivateKey != nil {
			entity = e
			break
		}
	}
	if entity == nil {
		return nil, errors.New("signing key file contains no private key")
	}

	if err := unlock(entity, passphrase); err != nil {
		return nil, err
	}
	return &Signer{entity: entity}, nil
}

func unlock(e *openpgp.Entity, passphrase []byte) error {
	if e.PrivateKey.Encrypted {
		if len(passphrase) == 0 {
			return errors.New("signing key is encrypted and no passphrase was provided")
		}
		if err := e.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("failed to decrypt signing key: %w", err)
		}
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey == nil || !sub.PrivateKey.Encrypted {
			continue
		}
		if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
			return fmt.Errorf("failed to decrypt signing subkey: %w", err)
		}
	}
	return nil
}

// Fingerprint is the upper-case hex fingerprint of the primary key.
func (s *Signer) Fingerprint() string {
	return fmt.Sprintf("%X", s.entity.PrimaryKey.Fingerprint)
}

// Sign returns an armored detached signature over data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, s.entity, bytes.NewReader(data), nil); err != nil {
		return nil, fmt.Errorf("failed to sign checksums: %w", err)
	}
	return sig.Bytes(), nil
}

// Verify checks an armored detached signature over data against the
// signer's public key.
func (s *Signer) Verify(data, sig []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(
		openpgp.EntityList{s.entity},
		bytes.NewReader(data),
		bytes.NewReader(sig),
		nil,
	)
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
