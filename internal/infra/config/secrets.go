package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"

	"edith/internal/domain"
)

// Credential fields may be stored encrypted in the YAML file instead of as
// plaintext or ${ENV} references. An encrypted value carries the "enc:"
// prefix followed by hex(salt):hex(nonce+ciphertext); the passphrase comes
// from the EDITH_CONFIG_KEY environment variable at load time.
const (
	secretPrefix  = "enc:"
	passphraseEnv = "EDITH_CONFIG_KEY"

	saltLen = 16
)

// deriveKey stretches the passphrase into an AES-256 key with argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// EncryptValue encrypts a plaintext secret for embedding in a config file.
// The output (without the "enc:" prefix) is hex(salt):hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encoded, passphrase string) (string, error) {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed encrypted value")
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// decryptSecrets walks every credential field and decrypts "enc:"-prefixed
// values in place. Encrypted values without a passphrase are an error: the
// alternative is passing ciphertext to an API as if it were a token.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := []*string{
		&cfg.LLM.APIKey,
		&cfg.Tools.Jira.Token,
		&cfg.Tools.GitHub.Token,
		&cfg.Tools.Figma.Token,
		&cfg.Tools.Slack.BotToken,
		&cfg.Tools.Audio.OpenAIKey,
		&cfg.Tools.Audio.ElevenLabsKey,
		&cfg.Tools.Calendar.ClientSecret,
		&cfg.Tools.Calendar.RefreshToken,
		&cfg.Gateway.Token,
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f, secretPrefix) {
			continue
		}
		if passphrase == "" {
			return fmt.Errorf("%w: config contains encrypted secrets but %s is not set",
				domain.ErrConfigLoad, passphraseEnv)
		}
		plain, err := DecryptValue(strings.TrimPrefix(*f, secretPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%w: decrypt secret: %v", domain.ErrConfigLoad, err)
		}
		*f = plain
	}
	return nil
}

func passphraseFromEnv() string {
	return os.Getenv(passphraseEnv)
}
