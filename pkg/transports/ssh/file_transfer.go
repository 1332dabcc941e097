package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// newSFTPClient opens an SFTP session on the current connection.
func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// UploadFile uploads a single file to the remote host via SFTP.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	return c.writeRemote(ctx, "upload", remotePath, localFile, mode)
}

// WriteFile writes data to a remote file via SFTP.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error {
	return c.writeRemote(ctx, "write", remotePath, bytes.NewReader(data), mode)
}

func (c *SSHClient) writeRemote(ctx context.Context, op, remotePath string, src io.Reader, mode uint32) error {
	startTime := time.Now()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{
			Op:  op,
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{
			Op:          op,
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	// Restrict the mode before any content is written.
	if mode > 0 {
		if err := remoteFile.Chmod(os.FileMode(mode)); err != nil {
			return &TransportError{
				Op:  op,
				Err: fmt.Errorf("failed to set file permissions: %w", err),
			}
		}
	}

	bytesWritten, err := copyWithContext(ctx, remoteFile, src)
	if err != nil {
		return &TransportError{
			Op:          op,
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("file written")

	return nil
}

// ReadFile reads a remote file via SFTP.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:  "read",
			Err: fmt.Errorf("failed to open remote file: %w", err),
		}
	}
	defer remoteFile.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, remoteFile); err != nil {
		return nil, &TransportError{
			Op:          "read",
			Err:         fmt.Errorf("failed to read remote file: %w", err),
			IsTemporary: true,
		}
	}
	return buf.Bytes(), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
