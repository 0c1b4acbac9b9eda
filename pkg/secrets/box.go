package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Box seals provider tokens before they hit the store.
// Format is versioned: 0x01 | nonce | ciphertext[GCM].
type Box struct {
	key []byte
}

// NewBox returns nil when key is empty; a nil Box passes values through
// unchanged, which keeps dev setups without ENCRYPTION_KEY working.
func NewBox(key string) *Box {
	if key == "" {
		return nil
	}
	return &Box{key: []byte(key)}
}

func (b *Box) Seal(plain []byte) ([]byte, error) {
	if b == nil {
		return plain, nil
	}
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := gcm.Seal(nil, nonce, plain, nil)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = 0x01
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return out, nil
}

func (b *Box) Open(blob []byte) ([]byte, error) {
	if b == nil {
		return blob, nil
	}
	if len(blob) < 2 {
		return nil, fmt.Errorf("invalid blob")
	}
	if blob[0] != 0x01 {
		return nil, fmt.Errorf("unsupported version")
	}
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+gcm.NonceSize() {
		return nil, fmt.Errorf("short nonce")
	}
	nonce := blob[1 : 1+gcm.NonceSize()]
	ct := blob[1+gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func (b *Box) gcm() (cipher.AEAD, error) {
	h := sha256.Sum256(b.key)
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
