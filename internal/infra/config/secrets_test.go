package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edith/internal/domain"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("super-secret-token", "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, enc, "super-secret-token")

	plain, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-token", plain)
}

func TestDecryptValueWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("secret", "right")
	require.NoError(t, err)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
}

func TestDecryptValueMalformed(t *testing.T) {
	_, err := DecryptValue("not-hex-at-all", "pass")
	assert.Error(t, err)

	_, err = DecryptValue("abcd:zz", "pass")
	assert.Error(t, err)
}

func TestLoadDecryptsEncryptedSecrets(t *testing.T) {
	enc, err := EncryptValue("jira-token-plain", "my-key")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "tools:\n  jira:\n    base_url: https://example.atlassian.net\n    email: me@example.com\n    token: \"enc:" + enc + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("EDITH_CONFIG_KEY", "my-key")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jira-token-plain", cfg.Tools.Jira.Token)
}

func TestLoadEncryptedSecretWithoutKeyFails(t *testing.T) {
	enc, err := EncryptValue("gh-token", "my-key")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "tools:\n  github:\n    token: \"enc:" + enc + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("EDITH_CONFIG_KEY", "")
	_, err = Load(path)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestLoadEncryptedSecretWrongKeyFails(t *testing.T) {
	enc, err := EncryptValue("api-key", "right-key")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "llm:\n  api_key: \"enc:" + enc + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("EDITH_CONFIG_KEY", "wrong-key")
	_, err = Load(path)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
}
