package testharness

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/runtime"
)

// PipeRuntime connects a runtime.Conn to a ScriptedRuntime over in-memory
// pipes, exercising the full NDJSON path without a subprocess.
type PipeRuntime struct {
	*runtime.Conn

	Script *ScriptedRuntime

	requestW *io.PipeWriter
	replyW   *io.PipeWriter
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPipeRuntime starts a ScriptedRuntime and returns the client end.
// configure, if non-nil, runs before the script starts serving.
func NewPipeRuntime(logger zerolog.Logger, configure func(*ScriptedRuntime)) *PipeRuntime {
	requestR, requestW := io.Pipe()
	replyR, replyW := io.Pipe()

	script := NewScriptedRuntime(requestR, replyW, logger.With().Str("side", "script").Logger())
	if configure != nil {
		configure(script)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PipeRuntime{
		Script:   script,
		requestW: requestW,
		replyW:   replyW,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		_ = script.Run(ctx)
		replyW.Close()
	}()

	p.Conn = runtime.NewConn(replyR, requestW, 5*time.Second, logger.With().Str("side", "client").Logger())
	return p
}

// Close shuts the script down and waits for both ends to finish.
func (p *PipeRuntime) Close() {
	p.requestW.Close()
	p.cancel()
	<-p.done
	<-p.Conn.Done()
}
