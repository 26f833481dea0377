package volume

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// A Transform is a reversible byte transformation applied to a finished
// archive before upload, e.g. encryption. Ext is the file name extension
// identifying it.
type Transform interface {
	Ext() string
	Encode(plain []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// ErrDecrypt is returned when encrypted data cannot be opened, usually
// because of a wrong passphrase.
var ErrDecrypt = errors.New("unable to decrypt volume")

// AES encrypts archives with AES-256-GCM. The key is derived from a
// passphrase with PBKDF2 and a random salt stored in the header:
//
//	"SAES" | version byte | 16 byte salt | 12 byte nonce | ciphertext
type AES struct {
	passphrase []byte
	iterations int
}

const (
	aesMagic      = "SAES"
	aesVersion    = 1
	aesSaltSize   = 16
	aesIterations = 4096
)

// NewAES returns the AES transform for passphrase.
func NewAES(passphrase string) *AES {
	return &AES{passphrase: []byte(passphrase), iterations: aesIterations}
}

// Ext returns "aes".
func (a *AES) Ext() string { return "aes" }

func (a *AES) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(a.passphrase, salt, a.iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encode encrypts plain.
func (a *AES) Encode(plain []byte) ([]byte, error) {
	salt := make([]byte, aesSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := a.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := bytes.NewBuffer(make([]byte, 0, len(aesMagic)+1+len(salt)+len(nonce)+len(plain)+gcm.Overhead()))
	out.WriteString(aesMagic)
	out.WriteByte(aesVersion)
	out.Write(salt)
	out.Write(nonce)
	header := out.Bytes()
	return gcm.Seal(header, nonce, plain, header[:len(aesMagic)+1]), nil
}

// Decode decrypts data produced by Encode.
func (a *AES) Decode(data []byte) ([]byte, error) {
	hlen := len(aesMagic) + 1 + aesSaltSize
	if len(data) < hlen || string(data[:len(aesMagic)]) != aesMagic {
		return nil, errors.Wrap(ErrDecrypt, "bad header")
	}
	if data[len(aesMagic)] != aesVersion {
		return nil, errors.Wrapf(ErrDecrypt, "unknown version %d", data[len(aesMagic)])
	}
	gcm, err := a.gcm(data[len(aesMagic)+1 : hlen])
	if err != nil {
		return nil, err
	}
	if len(data) < hlen+gcm.NonceSize() {
		return nil, errors.Wrap(ErrDecrypt, "truncated")
	}
	nonce := data[hlen : hlen+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, data[hlen+gcm.NonceSize():], data[:len(aesMagic)+1])
	if err != nil {
		return nil, errors.Wrap(ErrDecrypt, err.Error())
	}
	return plain, nil
}
