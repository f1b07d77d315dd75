package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const cnicLength = 13

var (
	ErrInvalidIdentity = errors.New("invalid cnic format")
	ErrInvalidBlob     = errors.New("invalid identity blob")
)

// Guard validates raw CNICs and converts them to an equality-preserving
// pseudonymized blob before they reach the store. Pseudonymize is
// deterministic: the cipher IV is synthesized from an HMAC of the plaintext,
// so the same CNIC always produces the same blob and duplicate-waiting
// detection can compare blobs directly. Reveal is for audit use only.
type Guard struct {
	encKey []byte
	macKey []byte
}

func NewGuard(secret string) (*Guard, error) {
	if secret == "" {
		return nil, errors.New("identity: empty secret")
	}
	encKey := sha256.Sum256([]byte("enc:" + secret))
	macKey := sha256.Sum256([]byte("mac:" + secret))
	return &Guard{encKey: encKey[:], macKey: macKey[:]}, nil
}

// Validate reports whether identity is a well-formed CNIC: exactly 13
// decimal digits.
func (g *Guard) Validate(identity string) bool {
	if len(identity) != cnicLength {
		return false
	}
	for _, r := range identity {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (g *Guard) Pseudonymize(identity string) (string, error) {
	if !g.Validate(identity) {
		return "", ErrInvalidIdentity
	}

	block, err := aes.NewCipher(g.encKey)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, g.macKey)
	mac.Write([]byte(identity))
	iv := mac.Sum(nil)[:aes.BlockSize]

	ciphertext := make([]byte, len(identity))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, []byte(identity))

	blob := make([]byte, 0, aes.BlockSize+len(ciphertext))
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (g *Guard) Reveal(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	if len(raw) <= aes.BlockSize {
		return "", ErrInvalidBlob
	}

	block, err := aes.NewCipher(g.encKey)
	if err != nil {
		return "", err
	}

	iv := raw[:aes.BlockSize]
	plaintext := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, raw[aes.BlockSize:])

	// The IV doubles as an integrity tag: recompute it from the plaintext
	// and reject blobs that were not produced by this guard.
	mac := hmac.New(sha256.New, g.macKey)
	mac.Write(plaintext)
	if !hmac.Equal(iv, mac.Sum(nil)[:aes.BlockSize]) {
		return "", ErrInvalidBlob
	}
	return string(plaintext), nil
}

// LastFour returns the plaintext display fingerprint of a CNIC.
func LastFour(identity string) string {
	if len(identity) < 4 {
		return identity
	}
	return identity[len(identity)-4:]
}
