package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exfm/bob/internal/application"
)

func TestDeployer_Steps(t *testing.T) {
	deployer := application.NewDeployer(&fakeExecutor{}, application.DeployConfig{
		Owner:   "alice",
		AppsDir: "/home/ubuntu/apps/",
	})

	steps := deployer.Steps("api")

	require.Len(t, steps, 3)
	assert.Equal(t, "fetch", steps[0].Name)
	assert.Contains(t, steps[0].Command, "cd /home/ubuntu/apps")
	assert.Contains(t, steps[0].Command, "git clone https://github.com/alice/api.git api")
	assert.Contains(t, steps[0].Command, "git pull")
	assert.Equal(t, "install", steps[1].Name)
	assert.Contains(t, steps[1].Command, "npm install")
	assert.Equal(t, "restart", steps[2].Name)
	assert.Contains(t, steps[2].Command, "forever start -a -l /home/ubuntu/apps/api.log index.js")
	assert.Equal(t, "/home/ubuntu/apps/api.log", deployer.LogPath("api"))
}

func TestDeployer_ProgressPerStep(t *testing.T) {
	executor := &fakeExecutor{}
	deployer := application.NewDeployer(executor, application.DeployConfig{Owner: "alice", AppsDir: "/srv/apps"})

	var done []string
	err := deployer.Deploy(context.Background(), "api", "web1", func(step application.DeployStep, _ string) {
		done = append(done, step.Name)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "install", "restart"}, done)
	assert.Equal(t, []string{"web1"}, executor.hosts)
	assert.Equal(t, 1, executor.closedCount())
}

func TestDeployer_StepError(t *testing.T) {
	executor := &fakeExecutor{failStep: "forever"}
	deployer := application.NewDeployer(executor, application.DeployConfig{Owner: "alice", AppsDir: "/srv/apps"})

	err := deployer.Deploy(context.Background(), "api", "web1", nil)

	var stepErr *application.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "restart", stepErr.Step)
	assert.Contains(t, stepErr.Command, "forever start")
	assert.Equal(t, 1, executor.closedCount())
}

func TestDeployer_Timeout(t *testing.T) {
	executor := &fakeExecutor{block: true}
	deployer := application.NewDeployer(executor, application.DeployConfig{
		Owner:   "alice",
		AppsDir: "/srv/apps",
		Timeout: 20 * time.Millisecond,
	})

	err := deployer.Deploy(context.Background(), "api", "web1", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, executor.closedCount())
}

func TestValidNames(t *testing.T) {
	assert.True(t, application.ValidRepoName("my-app.v2_x"))
	assert.False(t, application.ValidRepoName(".."))
	assert.False(t, application.ValidRepoName("a/b"))
	assert.False(t, application.ValidRepoName("a b"))
	assert.False(t, application.ValidRepoName(""))

	assert.True(t, application.ValidHost("web1.example.com"))
	assert.True(t, application.ValidHost("10.0.0.5:2222"))
	assert.False(t, application.ValidHost("-oProxyCommand=x"))
	assert.False(t, application.ValidHost("web1;reboot"))
}
