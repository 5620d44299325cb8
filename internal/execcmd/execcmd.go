// Package execcmd runs the external transformer and aggregator commands.
package execcmd

import (
	"context"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// maxOutput bounds the command output folded into an error.
const maxOutput = 512

// Run expands args with r and runs command, bounded by timeout when positive.
// On failure the tail of the combined output is folded into the error.
func Run(ctx context.Context, command string, args []string, r *strings.Replacer, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = r.Replace(a)
	}

	cmd := exec.CommandContext(ctx, command, expanded...)
	cmd.WaitDelay = 2 * time.Second
	start := time.Now()
	output, err := cmd.CombinedOutput()
	zap.L().Debug("external command finished",
		zap.String("component", "execcmd"),
		zap.String("command", command),
		zap.Strings("args", expanded),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return eris.Wrapf(err, "command %s failed: %s", command, Tail(strings.TrimSpace(string(output)), maxOutput))
	}
	return nil
}

// Tail returns at most the last n bytes of s without splitting a rune.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
