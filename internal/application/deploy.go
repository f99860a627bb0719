package application

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/exfm/bob/internal/domain/port/driven"
)

var (
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	hostPattern     = regexp.MustCompile(`^[A-Za-z0-9.-]+(:[0-9]{1,5})?$`)
)

// ValidRepoName reports whether name is usable as a repository name and as a
// directory name on the deploy host.
func ValidRepoName(name string) bool {
	return repoNamePattern.MatchString(name) && name != "." && name != ".."
}

// ValidHost reports whether host is a bare hostname or IP with optional port.
func ValidHost(host string) bool {
	return hostPattern.MatchString(host) && !strings.HasPrefix(host, "-")
}

// DeployStep is one shell command of the deploy pipeline.
type DeployStep struct {
	Name    string
	Command string
}

// StepError reports the step a deploy failed at.
type StepError struct {
	Step    string
	Command string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// DeployConfig describes where and how applications are deployed.
type DeployConfig struct {
	// Owner is the account repositories are cloned from.
	Owner string
	// AppsDir is the remote directory holding one checkout per repository.
	AppsDir string
	// Timeout bounds a whole deploy, connection included.
	Timeout time.Duration
}

// Deployer runs the deploy pipeline over a remote session.
type Deployer struct {
	executor driven.RemoteExecutor
	owner    string
	appsDir  string
	timeout  time.Duration
}

// NewDeployer creates a Deployer that opens sessions through executor.
func NewDeployer(executor driven.RemoteExecutor, cfg DeployConfig) *Deployer {
	return &Deployer{
		executor: executor,
		owner:    cfg.Owner,
		appsDir:  strings.TrimSuffix(cfg.AppsDir, "/"),
		timeout:  cfg.Timeout,
	}
}

// LogPath is where the supervised process for repo writes its log.
func (d *Deployer) LogPath(repo string) string {
	return d.appsDir + "/" + repo + ".log"
}

// Steps returns the shell commands that deploy repo. Every step starts from
// the apps directory because each Run gets a fresh shell.
func (d *Deployer) Steps(repo string) []DeployStep {
	dir := d.appsDir + "/" + repo
	cloneURL := fmt.Sprintf("https://github.com/%s/%s.git", d.owner, repo)

	return []DeployStep{
		{
			Name: "fetch",
			Command: fmt.Sprintf("mkdir -p %s && cd %s && if [ -d %s ]; then cd %s && git pull; else git clone %s %s; fi",
				d.appsDir, d.appsDir, repo, repo, cloneURL, repo),
		},
		{
			Name:    "install",
			Command: fmt.Sprintf("cd %s && npm install", dir),
		},
		{
			Name:    "restart",
			Command: fmt.Sprintf("cd %s && forever stop index.js; forever start -a -l %s index.js", dir, d.LogPath(repo)),
		},
	}
}

// Deploy opens a session to host and runs every step in order. progress is
// called after each step that succeeded. The first failure stops the pipeline
// and is returned as a *StepError. The session is closed in every case.
func (d *Deployer) Deploy(ctx context.Context, repo, host string, progress func(step DeployStep, output string)) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	session, err := d.executor.Open(ctx, host)
	if err != nil {
		return &StepError{Step: "connect", Command: host, Err: err}
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("closing deploy session", "host", host, "error", err)
		}
	}()

	for _, step := range d.Steps(repo) {
		output, err := session.Run(ctx, step.Command)
		if err != nil {
			slog.Debug("deploy step output", "repo", repo, "host", host, "step", step.Name, "output", output)
			return &StepError{Step: step.Name, Command: step.Command, Err: err}
		}
		if progress != nil {
			progress(step, output)
		}
	}

	return nil
}
