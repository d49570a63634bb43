package cfg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `
http_listen_addr = ":8085"
log_format = "logfmt"
log_level = "info"
github_webhook_secret = "hunter2"
github_api_token = "ghp_xxx"
sync_interval = "5m"

[[repository]]
owner = "acme"
name = "widget"
local_path = "/var/lib/bors/acme-widget"
required_checks = ["ci", "lint"]
write_users = ["alice", "bob"]
`

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8085", c.HTTPListenAddr)
	assert.Equal(t, 5*time.Minute, c.SyncInterval.Duration)
	assert.Equal(t, DefaultAttemptTimeout, c.AttemptDefaultTimeout.Duration)
	assert.Equal(t, DefaultMergeRetryCount, c.MergeRetryCount)

	require.Len(t, c.Repositories, 1)
	repo := c.Repositories[0]
	assert.Equal(t, DefaultRemote, repo.Remote)
	assert.Equal(t, DefaultBaseBranch, repo.BaseBranch)
	assert.Equal(t, DefaultAttemptTimeout, repo.AttemptTimeout.Duration)
	assert.Equal(t, "merge", repo.DefaultMergeMethod)
	assert.Equal(t, []string{"ci", "lint"}, repo.RequiredChecks)
}

func TestLoadRejectsMissingListenAddr(t *testing.T) {
	_, err := Load(strings.NewReader(`log_level = "info"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_listen_addr")
}

func TestLoadRejectsRepositoryWithoutLocalPath(t *testing.T) {
	cfg := `
http_listen_addr = ":8085"

[[repository]]
owner = "acme"
name = "widget"
`
	_, err := Load(strings.NewReader(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local_path")
}

func TestLoadRejectsDuplicateRepository(t *testing.T) {
	cfg := `
http_listen_addr = ":8085"

[[repository]]
owner = "acme"
name = "widget"
local_path = "/a"

[[repository]]
owner = "acme"
name = "widget"
local_path = "/b"
`
	_, err := Load(strings.NewReader(cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")
}

func TestMarshalRoundTrips(t *testing.T) {
	c, err := Load(strings.NewReader(exampleConfig))
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, c.Marshal(&out))

	again, err := Load(strings.NewReader(out.String()))
	require.NoError(t, err)
	assert.Equal(t, c.SyncInterval, again.SyncInterval)
	assert.Equal(t, c.Repositories, again.Repositories)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
http_listen_addr = ":8085"
sync_interval = "often"
`
	_, err := Load(strings.NewReader(cfg))
	assert.Error(t, err)
}
