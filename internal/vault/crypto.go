package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"hushh/internal/domain"
)

const (
	AlgorithmAES256GCM = "AES-256-GCM"
	KDFHKDFSHA256      = "HKDF-SHA256"

	userKeySalt = "hushh-vault"
	blobKeySalt = "hushh-blob"
)

// Cipher derives per-user AES-256 keys from one master key.
type Cipher struct {
	master []byte
}

func NewCipher(master []byte) (*Cipher, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(master))
	}
	key := make([]byte, 32)
	copy(key, master)
	return &Cipher{master: key}, nil
}

func (c *Cipher) derive(salt, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, []byte(salt), []byte(info)), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}

func recordAAD(userID, resourceName string) []byte {
	return []byte(userID + "\x00" + resourceName)
}

// Seal encrypts plaintext for (userID, resourceName). The pair is bound as
// additional data so a ciphertext cannot be replayed under another name.
func (c *Cipher) Seal(userID, resourceName string, plaintext []byte) ([]byte, domain.EncryptionMetadata, error) {
	key, err := c.derive(userKeySalt, userID)
	if err != nil {
		return nil, domain.EncryptionMetadata{}, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, domain.EncryptionMetadata{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, domain.EncryptionMetadata{}, fmt.Errorf("vault: nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plaintext, recordAAD(userID, resourceName))
	return ct, domain.EncryptionMetadata{
		Algorithm: AlgorithmAES256GCM,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		KDF:       KDFHKDFSHA256,
	}, nil
}

// Open decrypts a record sealed by Seal. Any mismatch is ErrDecryption.
func (c *Cipher) Open(userID, resourceName string, ciphertext []byte, meta domain.EncryptionMetadata) ([]byte, error) {
	if meta.Algorithm != AlgorithmAES256GCM || meta.KDF != KDFHKDFSHA256 {
		return nil, domain.NewError(domain.KindDecryption, fmt.Sprintf("unsupported encryption %s/%s", meta.Algorithm, meta.KDF))
	}
	nonce, err := base64.StdEncoding.DecodeString(meta.Nonce)
	if err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "invalid nonce")
	}
	key, err := c.derive(userKeySalt, userID)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, domain.NewError(domain.KindDecryption, "invalid nonce length")
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, recordAAD(userID, resourceName))
	if err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "key or ciphertext mismatch")
	}
	return pt, nil
}

// SealBlob encrypts data outside the record model, such as run credentials.
// The output is nonce followed by ciphertext.
func (c *Cipher) SealBlob(purpose string, plaintext []byte) ([]byte, error) {
	key, err := c.derive(blobKeySalt, purpose)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(purpose)), nil
}

func (c *Cipher) OpenBlob(purpose string, data []byte) ([]byte, error) {
	key, err := c.derive(blobKeySalt, purpose)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, domain.NewError(domain.KindDecryption, "sealed blob too short")
	}
	pt, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], []byte(purpose))
	if err != nil {
		return nil, domain.WrapError(domain.KindDecryption, err, "sealed blob mismatch")
	}
	return pt, nil
}
