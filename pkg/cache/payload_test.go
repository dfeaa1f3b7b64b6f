package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionConfigDeriveKey(t *testing.T) {

	config := &EncryptionConfig{Enabled: true, Type: AesSymmetricType}

	key := config.deriveKey("SuperSecret", "SuperSalt")
	require.Len(t, key, hashKeyLength)
	assert.Equal(t, key, config.deriveKey("SuperSecret", "SuperSalt"))
	assert.NotEqual(t, key, config.deriveKey("SuperSecret", "OtherSalt"))

	assert.Nil(t, config.deriveKey("", "SuperSalt"))
	assert.Nil(t, config.deriveKey("SuperSecret", ""))

	sealed, err := EncryptWithAes([]byte("alice"), key)
	require.NoError(t, err)

	opened, err := DecryptWithAes(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "alice", string(opened))
}
