// Package ssh provides the SSH transport sandboxes are driven through.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport defines the remote operations the sandbox needs.
type Transport interface {
	// Connect establishes an SSH connection to the remote host. It is a
	// no-op when a healthy connection exists.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes a command and reports its exit code. A non-zero exit is
	// not an error; errors mean the command could not be run or finish.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// ExecuteCommand runs a command on the remote host and fails on a
	// non-zero exit.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadFile uploads a single file to the remote host via SFTP.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// WriteFile writes data to a remote file via SFTP, creating parent
	// directories.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error

	// ReadFile reads a remote file via SFTP.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Command is the command as sent to the remote shell
	Command string

	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed if retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a retryable transport error.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
