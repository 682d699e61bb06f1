package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "episodes/0f8e.jsonl", ObjectName("0f8e"))
}

func TestNew(t *testing.T) {
	t.Run("should build a client without contacting the server", func(t *testing.T) {
		s, err := New(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "repairgym"})
		require.NoError(t, err)
		assert.Equal(t, "repairgym", s.bucket)
	})

	t.Run("should require a bucket", func(t *testing.T) {
		_, err := New(Config{Endpoint: "localhost:9000"})
		assert.Error(t, err)
	})

	t.Run("should reject a malformed endpoint", func(t *testing.T) {
		_, err := New(Config{Endpoint: "http://localhost:9000/path", Bucket: "b"})
		assert.Error(t, err)
	})
}
