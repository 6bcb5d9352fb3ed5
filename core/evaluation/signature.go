package evaluation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Digest hashes the signed fields. Each field is length prefixed so no two
// field combinations share an encoding.
func Digest(submissionHash string, grade Grade, feedback string, signedAt time.Time) string {
	h := sha256.New()
	for _, field := range []string{
		submissionHash,
		string(grade),
		feedback,
		signedAt.UTC().Format(time.RFC3339Nano),
	} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		h.Write(size[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sign(key ed25519.PrivateKey, digest string) (string, error) {
	sig, err := jwt.SigningMethodEdDSA.Sign(digest, key)
	if err != nil {
		return "", errors.Wrap(err, "signing digest")
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

func verify(key ed25519.PublicKey, digest, signature string) error {
	if len(key) != ed25519.PublicKeySize {
		return errors.New("malformed public key")
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return errors.Wrap(err, "decoding signature")
	}
	return jwt.SigningMethodEdDSA.Verify(digest, sig, key)
}
