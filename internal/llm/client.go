// Package llm wraps the decision-gate's single external dependency: a
// command-line LLM invocation that returns free text. The core never
// depends on a particular vendor; it depends only on Client.Decide.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is the opaque LLM collaborator: one prompt in, free text out.
type Client interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// CLIConfig configures the subprocess client.
type CLIConfig struct {
	Path    string
	Model   string
	Timeout time.Duration
}

// CLIClient invokes a local CLI binary in non-interactive mode and
// expects a JSON envelope with a "result" field, falling back to raw
// output when the process does not emit JSON. Exec with an explicit
// deadline, kill-on-timeout, no retry: the DecisionEngine's HOLD fallback
// absorbs failures instead.
type CLIClient struct {
	cfg    CLIConfig
	logger *zap.Logger
}

// NewCLIClient constructs a CLIClient. logger should already be named for
// the llm component.
func NewCLIClient(logger *zap.Logger, cfg CLIConfig) *CLIClient {
	return &CLIClient{cfg: cfg, logger: logger}
}

// Decide runs the CLI with the given prompt and returns its extracted
// result text. The subprocess is killed if ctx is done or cfg.Timeout
// elapses first.
func (c *CLIClient) Decide(ctx context.Context, prompt string) (string, error) {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-p", prompt, "--output-format", "json"}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}

	cmd := exec.CommandContext(cctx, c.cfg.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking llm cli", zap.String("model", c.cfg.Model), zap.Duration("timeout", timeout))

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		c.logger.Error("llm cli timed out", zap.Duration("timeout", timeout))
		return "", fmt.Errorf("llm cli timed out after %s", timeout)
	}
	if err != nil {
		c.logger.Error("llm cli failed", zap.Error(err), zap.String("stderr", strings.TrimSpace(stderr.String())))
		return "", fmt.Errorf("llm cli failed: %w", err)
	}

	text := parseOutput(stdout.String())
	c.logger.Debug("llm cli returned", zap.Int("chars", len(text)))
	return text, nil
}

// parseOutput extracts the "result" field from a --output-format json
// envelope, returning the raw text unchanged if it isn't a JSON object.
func parseOutput(raw string) string {
	raw = strings.TrimSpace(raw)
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return raw
	}
	if result, ok := data["result"].(string); ok {
		return result
	}
	return raw
}
