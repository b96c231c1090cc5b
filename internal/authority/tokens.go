package authority

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// TokenSource produces write tokens. Acquiring a token (solving whatever
// challenge the canvas requires) happens outside this process.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken always returns the same token.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("static token is empty")
	}
	return string(s), nil
}

// CommandToken runs an external command and reads the token from its
// standard output.
type CommandToken struct {
	Command []string
	Dir     string
}

func (c CommandToken) Token(ctx context.Context) (string, error) {
	if len(c.Command) == 0 {
		return "", fmt.Errorf("token command is empty")
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("token command failed: %w\nOutput:\n%s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("token command failed: %w", err)
	}

	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", fmt.Errorf("token command %q printed no token", c.Command[0])
	}
	return token, nil
}
