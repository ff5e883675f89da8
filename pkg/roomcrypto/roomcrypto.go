// Package roomcrypto implements the symmetric encryption scheme for encrypted
// rooms: password-derived keys (PBKDF2-SHA512) and AES-CBC/PKCS7 message
// encryption. The server never holds a room key; keys live only with clients
// that derived them from the shared room password.
package roomcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length (128-bit AES)
	KeySize = 16

	// IVSize is the AES block size used for CBC initialization vectors
	IVSize = aes.BlockSize

	// Iterations is the PBKDF2 iteration count. Protocol constant, not
	// negotiated.
	Iterations = 8
)

// KeySalt is the fixed protocol-wide PBKDF2 salt. Using one salt for every
// room and installation is a known weakness (identical passwords derive
// identical keys everywhere), kept for wire compatibility.
var KeySalt = []byte{
	0x4c, 0x61, 0x6e, 0x43, 0x68, 0x61, 0x74, 0x52,
	0x6f, 0x6f, 0x6d, 0x53, 0x61, 0x6c, 0x74, 0x21,
}

var (
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidIVSize    = errors.New("invalid initialization vector size")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DeriveKey derives a room key from its password using PBKDF2-SHA512 with the
// fixed protocol salt.
func DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), KeySalt, Iterations, KeySize, sha512.New)
}

// SaltString returns the protocol salt in the base64 form carried on the wire
// and embedded in handshake challenge plaintext.
func SaltString() string {
	return base64.StdEncoding.EncodeToString(KeySalt)
}

// ChallengePlaintext builds the plaintext a joining client encrypts to prove
// it derived the room key: nickname + roomName + base64(salt).
func ChallengePlaintext(nickname, roomName string) []byte {
	return []byte(nickname + roomName + SaltString())
}

// Encrypt encrypts plaintext with AES-CBC under a freshly generated random IV
// and PKCS7 padding. Returns the IV and the ciphertext.
func Encrypt(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return iv, ciphertext, nil
}

// Decrypt reverses Encrypt. A wrong key surfaces as ErrDecryptionFailed (via
// the padding check), never as a panic or garbage plaintext.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidIVSize, IVSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded, aes.BlockSize)
}

// pkcs7Pad appends PKCS7 padding up to the next block boundary. Always adds at
// least one byte.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecryptionFailed
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrDecryptionFailed
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, ErrDecryptionFailed
	}
	return data[:len(data)-padLen], nil
}
