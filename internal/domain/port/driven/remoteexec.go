package driven

import "context"

// RemoteExecutor opens shell sessions on remote hosts.
type RemoteExecutor interface {
	Open(ctx context.Context, host string) (RemoteSession, error)
}

// RemoteSession runs shell commands on one remote host. Each Run starts a
// fresh shell, so working directory changes do not carry over between calls.
type RemoteSession interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}
