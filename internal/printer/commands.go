package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrBlocked marks a command the queue refuses outright.
	ErrBlocked = errors.New("command is blocked")
	// ErrConfirmationRequired marks a command that needs explicit
	// operator confirmation before dispatch.
	ErrConfirmationRequired = errors.New("command requires confirmation")
	// ErrOutOfRange marks a temperature outside the configured limits.
	ErrOutOfRange = errors.New("temperature out of range")
)

// SendFunc dispatches a gcode script to the printer.
type SendFunc func(ctx context.Context, script string) error

// QueueConfig bounds what the command queue will dispatch.
type QueueConfig struct {
	// Interval is the minimum spacing between dispatches.
	Interval time.Duration
	// MaxBedTemp and MaxToolTemp cap the temperature helpers, in °C.
	MaxBedTemp  float64
	MaxToolTemp float64
	// DisallowedPrefixes are rejected with ErrBlocked.
	DisallowedPrefixes []string
	// ConfirmPrefixes require confirmed=true.
	ConfirmPrefixes []string
}

func (c *QueueConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.MaxBedTemp <= 0 {
		c.MaxBedTemp = 120
	}
	if c.MaxToolTemp <= 0 {
		c.MaxToolTemp = 350
	}
}

// Counter is satisfied by the metrics registry.
type Counter interface {
	IncCommands()
}

type queued struct {
	script string
	result chan error
}

// CommandQueue serializes printer commands through a single worker and
// enforces a minimum inter-send interval. Submission validates the command
// before it reaches the worker.
type CommandQueue struct {
	cfg  QueueConfig
	send SendFunc
	log  *slog.Logger
	met  Counter

	in chan queued
}

// NewCommandQueue builds a queue dispatching through send. met may be nil.
func NewCommandQueue(cfg QueueConfig, send SendFunc, log *slog.Logger, met Counter) *CommandQueue {
	cfg.applyDefaults()
	return &CommandQueue{
		cfg:  cfg,
		send: send,
		log:  log,
		met:  met,
		in:   make(chan queued, 32),
	}
}

// Run owns the worker loop. It drains submissions one at a time, pacing
// dispatches by the configured interval, until ctx is cancelled.
func (q *CommandQueue) Run(ctx context.Context) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-q.in:
			if wait := q.cfg.Interval - time.Since(last); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					item.result <- ctx.Err()
					return ctx.Err()
				case <-t.C:
				}
			}
			err := q.send(ctx, item.script)
			last = time.Now()
			if err != nil {
				q.log.Warn("command dispatch failed",
					slog.String("error", err.Error()))
			} else if q.met != nil {
				q.met.IncCommands()
			}
			item.result <- err
		}
	}
}

// Submit validates command and hands it to the worker, blocking until the
// worker dispatches it or ctx ends. confirmed acknowledges commands whose
// prefix is in ConfirmPrefixes.
func (q *CommandQueue) Submit(ctx context.Context, command string, confirmed bool) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("empty command")
	}
	if err := q.validate(command, confirmed); err != nil {
		return err
	}
	return q.enqueue(ctx, command)
}

func (q *CommandQueue) validate(command string, confirmed bool) error {
	upper := strings.ToUpper(command)
	for _, line := range strings.Split(upper, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, p := range q.cfg.DisallowedPrefixes {
			if strings.HasPrefix(line, strings.ToUpper(p)) {
				return fmt.Errorf("%w: %s", ErrBlocked, p)
			}
		}
		if !confirmed {
			for _, p := range q.cfg.ConfirmPrefixes {
				if strings.HasPrefix(line, strings.ToUpper(p)) {
					return fmt.Errorf("%w: %s", ErrConfirmationRequired, p)
				}
			}
		}
	}
	return nil
}

func (q *CommandQueue) enqueue(ctx context.Context, script string) error {
	item := queued{script: script, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.in <- item:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-item.result:
		return err
	}
}

// SetBedTemp queues an M140 after range-checking against MaxBedTemp.
func (q *CommandQueue) SetBedTemp(ctx context.Context, temp float64) error {
	if temp < 0 || temp > q.cfg.MaxBedTemp {
		return fmt.Errorf("%w: bed %.1f (max %.1f)", ErrOutOfRange, temp, q.cfg.MaxBedTemp)
	}
	return q.enqueue(ctx, fmt.Sprintf("M140 S%.1f", temp))
}

// SetToolTemp queues an M104 after range-checking against MaxToolTemp.
func (q *CommandQueue) SetToolTemp(ctx context.Context, temp float64) error {
	if temp < 0 || temp > q.cfg.MaxToolTemp {
		return fmt.Errorf("%w: tool %.1f (max %.1f)", ErrOutOfRange, temp, q.cfg.MaxToolTemp)
	}
	return q.enqueue(ctx, fmt.Sprintf("M104 S%.1f", temp))
}

// SetTemps queues both temperatures as a single multi-line script so they
// reach the controller atomically. A nil pointer skips that heater.
func (q *CommandQueue) SetTemps(ctx context.Context, bed, tool *float64) error {
	var lines []string
	if bed != nil {
		if *bed < 0 || *bed > q.cfg.MaxBedTemp {
			return fmt.Errorf("%w: bed %.1f (max %.1f)", ErrOutOfRange, *bed, q.cfg.MaxBedTemp)
		}
		lines = append(lines, fmt.Sprintf("M140 S%.1f", *bed))
	}
	if tool != nil {
		if *tool < 0 || *tool > q.cfg.MaxToolTemp {
			return fmt.Errorf("%w: tool %.1f (max %.1f)", ErrOutOfRange, *tool, q.cfg.MaxToolTemp)
		}
		lines = append(lines, fmt.Sprintf("M104 S%.1f", *tool))
	}
	if len(lines) == 0 {
		return fmt.Errorf("no temperatures given")
	}
	return q.enqueue(ctx, strings.Join(lines, "\n"))
}
