package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSSHClientRun(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedCode   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:           "non-zero exit",
			command:        "exit 1",
			expectedCode:   1,
			expectedStderr: "boom",
		},
		{
			name:           "arbitrary command",
			command:        "npm install",
			expectedStdout: "command: npm install",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if result.Command != tt.command {
				t.Errorf("expected command %q, got %q", tt.command, result.Command)
			}
			if result.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, result.ExitCode)
			}
			if result.Success() != (tt.expectedCode == 0) {
				t.Errorf("Success() = %v for exit code %d", result.Success(), result.ExitCode)
			}
			if result.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, result.Stdout)
			}
			if result.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, result.Stderr)
			}
			if result.FinishedAt.Before(result.StartedAt) {
				t.Error("FinishedAt precedes StartedAt")
			}
		})
	}
}

func TestSSHClientRun_Timeout(t *testing.T) {
	client := connectedClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result, err := client.Run(ctx, "sleep")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if !IsTemporary(err) {
		t.Error("timeouts should be retryable")
	}
	if result == nil || result.ExitCode != -1 {
		t.Errorf("expected exit code -1 on timeout, got %+v", result)
	}
}

func TestSSHClientExecuteCommand(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()

	stdout, stderr, err := client.ExecuteCommand(ctx, "echo test")
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if stdout != "test" || stderr != "" {
		t.Errorf("unexpected output stdout=%q stderr=%q", stdout, stderr)
	}

	_, stderr, err = client.ExecuteCommand(ctx, "exit 1")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if stderr != "boom" {
		t.Errorf("expected stderr to be returned with the error, got %q", stderr)
	}
	if IsTemporary(err) {
		t.Error("a failed command is not a transport fault")
	}
}

func TestSSHClientFileTransfer(t *testing.T) {
	client := connectedClient(t)
	ctx := context.Background()
	remoteDir := t.TempDir()

	t.Run("write and read", func(t *testing.T) {
		remotePath := filepath.Join(remoteDir, "nested", "dir", ".env")
		data := []byte("API_KEY=secret\n")

		if err := client.WriteFile(ctx, remotePath, data, 0600); err != nil {
			t.Fatalf("write failed: %v", err)
		}

		info, err := os.Stat(remotePath)
		if err != nil {
			t.Fatalf("remote file missing: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
		}

		got, err := client.ReadFile(ctx, remotePath)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if string(got) != string(data) {
			t.Errorf("expected %q, got %q", data, got)
		}
	})

	t.Run("overwrite truncates", func(t *testing.T) {
		remotePath := filepath.Join(remoteDir, "overwrite.txt")
		if err := client.WriteFile(ctx, remotePath, []byte("a much longer first version"), 0644); err != nil {
			t.Fatalf("first write failed: %v", err)
		}
		if err := client.WriteFile(ctx, remotePath, []byte("short"), 0644); err != nil {
			t.Fatalf("second write failed: %v", err)
		}

		got, err := os.ReadFile(remotePath)
		if err != nil {
			t.Fatalf("failed to read back: %v", err)
		}
		if string(got) != "short" {
			t.Errorf("expected %q, got %q", "short", got)
		}
	})

	t.Run("upload", func(t *testing.T) {
		localPath := filepath.Join(t.TempDir(), "local.txt")
		if err := os.WriteFile(localPath, []byte("payload"), 0644); err != nil {
			t.Fatalf("failed to write local file: %v", err)
		}

		remotePath := filepath.Join(remoteDir, "uploaded.txt")
		if err := client.UploadFile(ctx, localPath, remotePath, 0644); err != nil {
			t.Fatalf("upload failed: %v", err)
		}

		got, err := os.ReadFile(remotePath)
		if err != nil {
			t.Fatalf("uploaded file missing: %v", err)
		}
		if string(got) != "payload" {
			t.Errorf("expected %q, got %q", "payload", got)
		}
	})

	t.Run("upload missing local file", func(t *testing.T) {
		err := client.UploadFile(ctx, filepath.Join(t.TempDir(), "missing"), filepath.Join(remoteDir, "x"), 0644)
		if err == nil {
			t.Error("expected error for missing local file")
		}
	})

	t.Run("read missing remote file", func(t *testing.T) {
		if _, err := client.ReadFile(ctx, filepath.Join(remoteDir, "missing")); err == nil {
			t.Error("expected error for missing remote file")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := client.WriteFile(cancelled, filepath.Join(remoteDir, "cancelled"), []byte("x"), 0644)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
