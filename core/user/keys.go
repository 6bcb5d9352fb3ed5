package user

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/vaultgrade/backend/core"
)

var errNoSigningKey = errors.New("user has no signing key")

// newSigningKey creates a reviewer key pair; the private key is sealed with masterKey.
func newSigningKey(masterKey []byte) (ed25519.PublicKey, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generating ed25519 key")
	}
	sealed, err := core.Seal(masterKey, priv)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sealing private key")
	}
	return pub, sealed, nil
}

func openSigningKey(masterKey, sealed []byte) (ed25519.PrivateKey, error) {
	if len(sealed) == 0 {
		return nil, errNoSigningKey
	}
	raw, err := core.Open(masterKey, sealed)
	if err != nil {
		return nil, errors.Wrap(err, "opening private key")
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("malformed private key")
	}
	return ed25519.PrivateKey(raw), nil
}
