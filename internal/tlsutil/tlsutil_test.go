package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfig(t *testing.T) {
	cfg := ClientConfig("redis.internal")
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, "redis.internal", cfg.ServerName)

	secure := map[uint16]bool{}
	for _, s := range tls.CipherSuites() {
		secure[s.ID] = true
	}
	require.NotEmpty(t, cfg.CipherSuites)
	for _, id := range cfg.CipherSuites {
		assert.True(t, secure[id], "suite %s is on the insecure list", tls.CipherSuiteName(id))
	}
}

func TestClientConfig_Independent(t *testing.T) {
	a := ClientConfig("")
	a.CipherSuites[0] = tls.TLS_RSA_WITH_RC4_128_SHA
	assert.NotEqual(t, a.CipherSuites[0], ClientConfig("").CipherSuites[0])
}

func TestHTTPClient(t *testing.T) {
	c := HTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, c.Timeout)

	tr := Transport()
	require.NotNil(t, tr.TLSClientConfig)
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, 32, tr.MaxIdleConnsPerHost)
}
