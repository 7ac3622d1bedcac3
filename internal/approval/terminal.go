package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// TerminalHandler prompts an operator at a terminal for each approval.
// Intended for single-operator/interactive deployments; production
// deployments typically use WebhookHandler instead.
type TerminalHandler struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalHandler wraps the given reader/writer as an approval prompt.
func NewTerminalHandler(in io.Reader, out io.Writer) *TerminalHandler {
	return &TerminalHandler{in: bufio.NewReader(in), out: out}
}

// RequestApproval prints the pending call and blocks for a y/n answer.
// Context cancellation is not observed mid-read (there is no portable way
// to interrupt a blocking stdin read); callers should not expect prompt
// cancellation from this handler.
func (h *TerminalHandler) RequestApproval(ctx context.Context, req Request) (*Result, error) {
	fmt.Fprintf(h.out, "approval requested: tool=%s server=%s risk=%s reason=%s\napprove? [y/N]: ",
		req.Tool, req.Server, req.RiskLevel, req.Reason)

	line, err := h.in.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	approved := answer == "y" || answer == "yes"
	return &Result{Approved: approved}, nil
}

// Close is a no-op; TerminalHandler does not own its reader/writer.
func (h *TerminalHandler) Close() error { return nil }
