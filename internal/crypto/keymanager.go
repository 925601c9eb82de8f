// Package crypto provides wallet key management and request signing for the
// swap relayer.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// defaultIterations follows the OWASP minimum for PBKDF2-HMAC-SHA256.
const defaultIterations = 480_000

const keyFileVersion = 1

// keyFile is the on-disk format for an encrypted wallet key. The KDF
// parameters travel with the ciphertext so they can be raised later without
// breaking existing files.
type keyFile struct {
	Version int    `json:"version"`
	KDF     kdf    `json:"kdf"`
	Nonce   string `json:"nonce"`
	Sealed  string `json:"sealed"`
}

type kdf struct {
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
}

// aeadForPassword derives a 32-byte AES key from the password and wraps it
// in GCM.
func aeadForPassword(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}

func decodeKeyHex(privateKeyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("crypto: private key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// EncryptKey seals a hex-encoded private key under a password with
// PBKDF2-derived AES-256-GCM and returns the JSON file contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	raw, err := decodeKeyHex(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := aeadForPassword(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	f := keyFile{
		Version: keyFileVersion,
		KDF: kdf{
			Iterations: defaultIterations,
			Salt:       base64.StdEncoding.EncodeToString(salt),
		},
		Nonce:  base64.StdEncoding.EncodeToString(nonce),
		Sealed: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, raw, nil)),
	}
	return json.MarshalIndent(f, "", "  ")
}

// DecryptKey opens a file produced by EncryptKey and returns the hex-encoded
// private key without the 0x prefix.
func DecryptKey(fileContents []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var f keyFile
	if err := json.Unmarshal(fileContents, &f); err != nil {
		return "", fmt.Errorf("crypto: key file parse: %w", err)
	}
	if f.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: key file version %d not supported", f.Version)
	}
	if f.KDF.Iterations <= 0 {
		return "", errors.New("crypto: key file carries no KDF iterations")
	}

	salt, err := base64.StdEncoding.DecodeString(f.KDF.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: key file salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: key file nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: key file payload: %w", err)
	}

	aead, err := aeadForPassword(password, salt, f.KDF.Iterations)
	if err != nil {
		return "", err
	}
	raw, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: unseal failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// KeyConfig carries the information LoadKey needs to resolve the wallet's
// private key. Populate from environment variables or the config file.
type KeyConfig struct {
	// RawPrivateKey is the hex-encoded key, with or without 0x prefix.
	// Takes precedence when non-empty.
	RawPrivateKey string

	// EncryptedKeyPath points to a JSON file produced by EncryptKey.
	EncryptedKeyPath string

	// KeyPassword decrypts the file at EncryptedKeyPath.
	KeyPassword string
}

// LoadKey resolves the wallet key, preferring an explicit raw key over an
// encrypted key file.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		raw, err := decodeKeyHex(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil
	}

	if cfg.EncryptedKeyPath != "" {
		contents, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: key file read: %w", err)
		}
		return DecryptKey(contents, cfg.KeyPassword)
	}

	return "", errors.New("crypto: no key source configured, set a raw key or an encrypted key file")
}
