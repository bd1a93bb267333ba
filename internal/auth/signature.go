package auth

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"time"
)

var (
	ErrInvalidPublicKey = errors.New("Invalid public key")
	ErrInvalidSignature = errors.New("Invalid signature")
	ErrInvalidChallenge = errors.New("Invalid challenge")
)

const challengePrefix = "termsync-auth"

func VerifySignature(publicKeyB64, challengeB64, signatureB64 string) bool {
	return VerifySignatureDetailed(publicKeyB64, challengeB64, signatureB64) == nil
}

func VerifySignatureDetailed(publicKeyB64, challengeB64, signatureB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	challenge, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil || len(challenge) == 0 {
		return ErrInvalidSignature
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Challenge builds the message a device signs to obtain a token:
// "termsync-auth:<deviceID>:<unix seconds>".
func Challenge(deviceID string, at time.Time) []byte {
	return []byte(challengePrefix + ":" + deviceID + ":" + strconv.FormatInt(at.Unix(), 10))
}

// CheckChallenge verifies that challengeB64 names deviceID and was built
// within maxSkew of now.
func CheckChallenge(challengeB64, deviceID string, now time.Time, maxSkew time.Duration) error {
	raw, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		return ErrInvalidChallenge
	}
	parts := bytes.SplitN(raw, []byte(":"), 3)
	if len(parts) != 3 || string(parts[0]) != challengePrefix || string(parts[1]) != deviceID {
		return ErrInvalidChallenge
	}
	secs, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return ErrInvalidChallenge
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < -maxSkew || skew > maxSkew {
		return ErrInvalidChallenge
	}
	return nil
}

// SignChallenge returns the base64 public key, challenge and signature a
// device presents to the relay.
func SignChallenge(priv ed25519.PrivateKey, deviceID string, at time.Time) (publicKeyB64, challengeB64, signatureB64 string) {
	challenge := Challenge(deviceID, at)
	pub := priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub),
		base64.StdEncoding.EncodeToString(challenge),
		base64.StdEncoding.EncodeToString(ed25519.Sign(priv, challenge))
}
