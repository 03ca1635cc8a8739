package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/studyhub/automation/pkg/graph"
	"github.com/studyhub/automation/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_YAML(t *testing.T) {
	workflows, err := LoadFile("testdata/onboarding.yaml")
	require.NoError(t, err)
	require.Len(t, workflows, 1)

	wf := workflows[0]
	assert.Equal(t, "wf-onboarding", wf.ID)
	assert.Equal(t, models.CategoryOperations, wf.Category)
	assert.Equal(t, 10*time.Minute, wf.Timeout.Std())
	require.Len(t, wf.Steps, 4)

	profile := wf.Step("create_profile")
	assert.Equal(t, models.OnErrorRetry, profile.OnError)
	assert.Equal(t, 3, profile.RetryCount)
	assert.Equal(t, 2*time.Second, profile.RetryDelay.Std())
	assert.Equal(t, models.BackoffExponential, profile.RetryBackoff)

	assert.True(t, wf.Step("validate").Enabled, "steps default to enabled")
	assert.False(t, wf.Step("assign_role").Enabled)
	assert.True(t, wf.Trigger("manual").Enabled)
	assert.Equal(t, "user.created", wf.Trigger("user_created").Configuration["topic"])

	g, err := graph.Compile(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "send_email", "create_profile", "assign_role"}, g.Order())
}

func TestLoadFile_JSONList(t *testing.T) {
	workflows, err := LoadFile("testdata/billing.json")
	require.NoError(t, err)
	require.Len(t, workflows, 2)

	assert.Equal(t, "wf-renewals", workflows[0].ID)
	assert.Equal(t, "0 2 * * *", workflows[0].Trigger("nightly").Configuration["cron"])
	assert.Empty(t, workflows[1].Triggers)
}

func TestLoadDir(t *testing.T) {
	workflows, err := LoadDir("testdata")
	require.NoError(t, err)

	ids := make([]string, 0, len(workflows))
	for _, wf := range workflows {
		ids = append(ids, wf.ID)
	}

	assert.Equal(t, []string{"wf-renewals", "wf-late-fees", "wf-onboarding"}, ids)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"name": "x", "stepz": []}`))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeYAML([]byte("name: [unclosed"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "workflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(`name = "x"`), 0o600))

	_, err = LoadFile(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDefinition_DefaultsCategory(t *testing.T) {
	workflows, err := Decode([]byte(`{"name": "Door access", "steps": [{"id": "a", "type": "delay", "configuration": {"duration": "1s"}}]}`))
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, models.CategoryGeneral, workflows[0].Category)
}
