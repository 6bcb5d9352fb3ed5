package user

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	salt    = []byte("vaultgrade.core.user.token_gen")
	NowFunc = time.Now // mockable

	// errors
	errInvalidToken = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")

	tsEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// tokenGenerator makes first-factor challenge tokens of the form `uid.ts.sig`.
// The signature covers the password hash and last login, so a token dies as soon as
// the password changes or the OTP step completes.
type tokenGenerator struct {
	key [sha256.Size]byte
	ttl time.Duration
}

func newTokenGenerator(secretKey string, ttl time.Duration) tokenGenerator {
	return tokenGenerator{
		key: sha256.Sum256(append(append([]byte{}, salt...), secretKey...)),
		ttl: ttl,
	}
}

// encodeUID base64 encodes given User ID
func encodeUID(usr User) string {
	return base64.RawURLEncoding.EncodeToString([]byte(usr.ID))
}

// decodeUID base64 decodes given UID
func decodeUID(uid string) (string, error) {
	idBytes, err := base64.RawURLEncoding.DecodeString(uid)
	if err != nil {
		return "", err
	}
	return string(idBytes), nil
}

// makeToken generates a challenge token for a given User.
func (gen tokenGenerator) makeToken(usr User) (string, time.Time) {
	now := NowFunc()
	return gen.makeTokenWithTimestamp(usr, now.Unix()), now.Add(gen.ttl).UTC()
}

// tokenUserID extracts the (unverified) User ID a token claims to belong to.
func tokenUserID(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errInvalidToken
	}
	id, err := decodeUID(parts[0])
	if err != nil || id == "" {
		return "", errInvalidToken
	}
	return id, nil
}

// verifyToken checks that a challenge token for a given User is valid.
func (gen tokenGenerator) verifyToken(usr User, token string) error {
	if token == "" {
		return errInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return errInvalidToken
	}

	data, err := tsEncoding.DecodeString(parts[1])
	if err != nil {
		return errInvalidToken
	}
	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errInvalidToken
	}

	// check that token has not been tampered with
	newToken := gen.makeTokenWithTimestamp(usr, ts)
	if subtle.ConstantTimeCompare([]byte(newToken), []byte(token)) == 0 {
		return errInvalidToken
	}

	// check that the timestamp is within limit
	if NowFunc().Sub(time.Unix(ts, 0)) > gen.ttl {
		return errTokenExpired
	}
	return nil
}

func (gen tokenGenerator) makeTokenWithTimestamp(usr User, ts int64) string {
	tsB32 := tsEncoding.EncodeToString([]byte(strconv.FormatInt(ts, 10)))
	return encodeUID(usr) + "." + tsB32 + "." + gen.sign(hashValue(usr, ts))
}

func (gen tokenGenerator) sign(val []byte) string {
	h := hmac.New(sha256.New, gen.key[:])
	_, _ = h.Write(val)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func hashValue(usr User, ts int64) []byte {
	var val bytes.Buffer
	val.WriteString(usr.ID)
	val.Write(usr.PasswordHash)
	if !usr.LastLogin.IsZero() {
		val.WriteString(strconv.FormatInt(usr.LastLogin.UnixMicro(), 10))
	}
	val.WriteString(string(usr.Status))
	val.WriteString(strconv.FormatInt(ts, 10))
	return val.Bytes()
}
