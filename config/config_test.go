package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	a, err := Parse([]byte(`
name: work
imap:
  host: mail.example.org
  port: 143
  tls: starttls
  username: joe
  password: sekrit
user_agent: mailcore/1.0
hostname: example.org
sent_mailbox: Sent
noop_interval: 90s
`))
	require.NoError(t, err)
	assert.Equal(t, "work", a.Name)
	assert.Equal(t, "mail.example.org:143", a.IMAP.Addr())
	assert.Equal(t, TLSStartTLS, a.IMAP.TLS)
	assert.Equal(t, 90*time.Second, a.NoopInterval.Std())
	assert.Equal(t, "Sent", a.SentMailbox)
}

func TestParseDefaults(t *testing.T) {
	a, err := Parse([]byte(`
imap:
  host: mail.example.org
  username: joe
  password: sekrit
`))
	require.NoError(t, err)
	assert.Equal(t, TLSImplicit, a.IMAP.TLS)
	assert.Equal(t, "mail.example.org:993", a.IMAP.Addr())
	assert.Equal(t, 2*time.Minute, a.NoopInterval.Std())
	assert.Equal(t, "mailcore", a.UserAgent)
}

func TestParseRejectsMissingHost(t *testing.T) {
	_, err := Parse([]byte(`name: broken`))
	require.Error(t, err)
}

func TestParseRejectsBadTLSMode(t *testing.T) {
	_, err := Parse([]byte(`
imap:
  host: h
  tls: sometimes
`))
	require.Error(t, err)
}

func TestOfflineAccountNeedsNoHost(t *testing.T) {
	a, err := Parse([]byte(`offline: true`))
	require.NoError(t, err)
	assert.True(t, a.Offline)
}
