package agentchannel

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// commandWaitDelay bounds how long output pipes are drained after the
// process has been killed.
const commandWaitDelay = 2 * time.Second

// CommandChannel runs a local command and serves its standard output. The
// process and, on unix, its process group are killed when the fetch
// context is done.
type CommandChannel struct {
	command    []string
	maxPayload int64
	logger     *slog.Logger
}

// NewCommandChannel creates a channel running command.
func NewCommandChannel(command []string, maxPayload int64, logger *slog.Logger) *CommandChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	return &CommandChannel{
		command:    append([]string(nil), command...),
		maxPayload: maxPayload,
		logger:     logger,
	}
}

// Fetch implements Channel.
func (c *CommandChannel) Fetch(ctx context.Context) ([]byte, error) {
	if len(c.command) == 0 {
		return nil, unavailable("no command configured")
	}
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.WaitDelay = commandWaitDelay
	killProcessGroup(cmd)

	stdout := &limitedBuffer{limit: c.maxPayload}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &limitedBuffer{buf: &stderr, limit: 4096}

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, unavailable("command %s: %v", c.command[0], ctxErr)
	}
	if stdout.exceeded {
		return nil, unavailable("command %s: output exceeds %d bytes", c.command[0], c.maxPayload)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, unavailable("command %s exited with code %d: %s",
				c.command[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, unavailable("command %s: %v", c.command[0], err)
	}

	c.logger.Debug("Agent command finished", "command", c.command[0], "bytes", stdout.Len(), "duration", time.Since(start))
	return stdout.Bytes(), nil
}

// limitedBuffer collects up to limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf      *bytes.Buffer
	limit    int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf == nil {
		b.buf = &bytes.Buffer{}
	}
	remaining := b.limit - int64(b.buf.Len())
	if int64(len(p)) > remaining {
		b.exceeded = true
		if remaining > 0 {
			b.buf.Write(p[:remaining])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Len() int {
	if b.buf == nil {
		return 0
	}
	return b.buf.Len()
}

func (b *limitedBuffer) Bytes() []byte {
	if b.buf == nil {
		return []byte{}
	}
	return b.buf.Bytes()
}
