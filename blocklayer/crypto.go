package blocklayer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// newToken samples a fresh IV, resampling on the vanishingly unlikely
// collision with the all-zero uninitialised-block sentinel.
func newToken() (Token, error) {
	var t Token
	for {
		if _, err := rand.Read(t[:]); err != nil {
			return zeroToken, fmt.Errorf("blocklayer: generating iv: %w", err)
		}
		if t != zeroToken {
			return t, nil
		}
	}
}

func (c *Container) newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("blocklayer: aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("blocklayer: gcm: %w", err)
	}
	return aead, nil
}

// encryptBlock seals plaintext (exactly LogBlockSize bytes) under token,
// returning the PhysBlockSize on-disk representation token||ciphertext||tag.
func (c *Container) encryptBlock(plaintext []byte, token Token) ([]byte, error) {
	if len(plaintext) != LogBlockSize {
		return nil, fmt.Errorf("blocklayer: encrypt: plaintext must be %d bytes, got %d", LogBlockSize, len(plaintext))
	}
	aead, err := c.newAEAD()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, PhysBlockSize)
	out = append(out, token[:]...)
	out = aead.Seal(out, token[:], plaintext, nil)
	return out, nil
}

// decryptBlock opens a PhysBlockSize on-disk block, returning its
// LogBlockSize plaintext. raw[:IVSize] must already have been
// checked non-zero by the caller.
func (c *Container) decryptBlock(raw []byte) ([]byte, Token, error) {
	if len(raw) != PhysBlockSize {
		return nil, zeroToken, fmt.Errorf("blocklayer: decrypt: block must be %d bytes, got %d", PhysBlockSize, len(raw))
	}
	var token Token
	copy(token[:], raw[:IVSize])

	aead, err := c.newAEAD()
	if err != nil {
		return nil, zeroToken, err
	}
	plaintext, err := aead.Open(nil, token[:], raw[IVSize:], nil)
	if err != nil {
		return nil, zeroToken, fmt.Errorf("blocklayer: decrypt: %w: %v", ErrCorruptBlock, err)
	}
	return plaintext, token, nil
}
