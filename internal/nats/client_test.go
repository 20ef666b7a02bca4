package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	for _, ok := range []string{
		"nats://127.0.0.1:4222",
		"tls://nats.example.com:4443",
		"nats://a:4222, nats://b:4222",
	} {
		assert.NoError(t, ValidateURL(ok), ok)
	}

	tests := map[string]string{
		"":                      "empty",
		"http://127.0.0.1:4222": "unsupported scheme",
		"nats://":               "missing host",
		"nats://a:4222,ftp://b": "unsupported scheme",
	}
	for raw, want := range tests {
		err := ValidateURL(raw)
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), want)
	}
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(DefaultOptions("redis://localhost"), nil)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := &Client{}
	assert.NoError(t, c.Close())
	_, err := c.JetStream()
	assert.ErrorIs(t, err, ErrClosed)
}
