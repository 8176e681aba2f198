package credstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// WriterMode is the hidden argv[1] that switches the daemon binary into
// the credential writer child. Dropping privileges is process-wide, so
// the write runs in a short-lived re-exec of ourselves with the client's
// credentials instead of a thread of the root daemon.
const WriterMode = "__credwrite"

// writerUmask masks group write and all world bits on the written file.
// 0666 &^ 0057 = 0620: owner read/write, group read.
const writerUmask = 0o057

// WriteAs re-executes the daemon binary as a credential writer child
// running with the given credentials, feeding it the encoded entries on
// stdin. The child inherits nothing but the file path.
//
// The write succeeds exactly when the filesystem lets that identity
// replace the file; the daemon's own privileges never apply.
func WriteAs(ctx context.Context, exe, path string, cred *syscall.Credential, entries []Entry) error {
	data, err := Encode(entries)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, exe, WriterMode, path)
	cmd.Stdin = bytes.NewReader(data)
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}

	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("credential writer: %w: %s", err, bytes.TrimSpace(out))
		}

		return fmt.Errorf("credential writer: %w", err)
	}

	return nil
}

// RunWriter is the child side of WriteAs: reads entries from stdin,
// validates them, and writes the credential file at path. Called from
// main before any daemon setup when argv[1] is WriterMode.
//
// The umask is set process-wide, which is fine: this process does
// nothing else and exits immediately after the write.
func RunWriter(stdin io.Reader, path string) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read entries from stdin: %w", err)
	}

	entries, err := Decode(data)
	if err != nil {
		return err
	}

	encoded, err := Encode(entries)
	if err != nil {
		return err
	}

	unix.Umask(writerUmask)

	if err := os.WriteFile(path, encoded, 0o666); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}

	return nil
}
