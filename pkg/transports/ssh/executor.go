package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd in a new session. The command is bounded by the
// configured CommandTimeout on top of ctx.
func (c *SSHClient) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	result := &ExecResult{Command: cmd, StartedAt: time.Now()}

	log.Debug().
		Str("command", cmd).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// Not every server honours signals; closing the session ends the wait.
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-doneChan
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		result.ExitCode = -1
		return result, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: !errors.Is(execErr, context.Canceled),
		}
	}

	return result, nil
}

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	result, err := c.Run(ctx, cmd)
	if err != nil {
		if result != nil {
			return result.Stdout, result.Stderr, err
		}
		return "", "", err
	}
	if result.ExitCode != 0 {
		return result.Stdout, result.Stderr, &TransportError{
			Op:  "execute",
			Err: fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
		}
	}
	return result.Stdout, result.Stderr, nil
}
