package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

const (
	DefaultModel    = "claude-sonnet-4-5-20250929"
	DefaultMaxTurns = 25
)

// Client runs agent turns and exposes their progress as events.
type Client struct {
	Launcher Launcher
	Logger   *slog.Logger

	Model    string
	MaxTurns int
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// RunTurn starts one agent call and returns its events. The sequence always
// ends with exactly one KindResult event unless the caller stops early.
// Failures never surface as errors: they produce a result carrying
// ApologyText and Err.
//
// Stopping early only stops consumption. The call keeps running in the
// background until it exits on its own or ctx is done.
func (c *Client) RunTurn(ctx context.Context, q Query) iter.Seq[Event] {
	if q.Model == "" {
		q.Model = c.Model
	}
	if q.Model == "" {
		q.Model = DefaultModel
	}
	if q.MaxTurns <= 0 {
		q.MaxTurns = c.MaxTurns
	}
	if q.MaxTurns <= 0 {
		q.MaxTurns = DefaultMaxTurns
	}

	return func(yield func(Event) bool) {
		logger := c.logger()
		if c.Launcher == nil {
			yield(failed(errors.New("agent launcher not configured")))
			return
		}

		stream, err := c.Launcher.Launch(ctx, q)
		if err != nil {
			logger.Error("agent launch failed", "error", err)
			yield(failed(fmt.Errorf("launch agent: %w", err)))
			return
		}

		n := newNormalizer(q.IncludePartial)
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			events, done := n.normalize(line)
			for _, ev := range events {
				if !yield(ev) {
					go drain(stream, logger)
					return
				}
			}
			if done {
				go drain(stream, logger)
				return
			}
		}

		scanErr := scanner.Err()
		if scanErr != nil {
			// Unblock the writer before waiting for it.
			_, _ = io.Copy(io.Discard, stream)
		}
		waitErr := stream.Wait()
		switch {
		case scanErr != nil:
			logger.Error("agent stream read failed", "error", scanErr)
			yield(failed(fmt.Errorf("read agent output: %w", scanErr)))
		case waitErr != nil:
			logger.Error("agent exited with error", "error", waitErr)
			yield(failed(fmt.Errorf("agent exited: %w", waitErr)))
		default:
			yield(Event{Kind: KindResult, Text: n.finalText})
		}
	}
}

func failed(err error) Event {
	return Event{Kind: KindResult, Text: ApologyText, Err: err}
}

func drain(stream Stream, logger *slog.Logger) {
	_, _ = io.Copy(io.Discard, stream)
	if err := stream.Wait(); err != nil {
		logger.Debug("agent exited after consumer stopped", "error", err)
	}
}
