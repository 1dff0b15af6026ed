package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// ParseFrequency converts a bar frequency like "1min", "5min", "1h" or "1D"
// into a step duration.
func ParseFrequency(s string) (time.Duration, error) {
	var unit time.Duration
	var num string
	switch {
	case strings.HasSuffix(s, "min"):
		unit, num = time.Minute, strings.TrimSuffix(s, "min")
	case strings.HasSuffix(s, "h"):
		unit, num = time.Hour, strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "D"):
		unit, num = 24*time.Hour, strings.TrimSuffix(s, "D")
	case strings.HasSuffix(s, "s"):
		unit, num = time.Second, strings.TrimSuffix(s, "s")
	default:
		return 0, fmt.Errorf("unsupported frequency %q", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported frequency %q", s)
	}
	return time.Duration(n) * unit, nil
}

// Runner advances the bar clock from start to end and drives the processor's
// session boundaries: begin of day and market open on the first bar of each
// calendar day, market close and end of day after its last bar.
type Runner struct {
	proc  *Processor
	start time.Time
	end   time.Time
	step  time.Duration
}

// NewRunner creates a runner over [start, end] with the given bar frequency.
func NewRunner(proc *Processor, start, end time.Time, freq string) (*Runner, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", end, start)
	}
	step, err := ParseFrequency(freq)
	if err != nil {
		return nil, err
	}
	return &Runner{proc: proc, start: start, end: end, step: step}, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Run executes the simulation. It returns the first fatal pipeline error;
// ctx cancellation stops the run at the next bar boundary.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.proc.OnStart(); err != nil {
		return err
	}

	inDay := false
	var ts time.Time
	for ts = r.start; !ts.After(r.end); ts = ts.Add(r.step) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !inDay {
			log.Printf("[runner] session start %s", ts.UTC().Format("2006-01-02"))
			if err := r.proc.BeginOfDay(ts); err != nil {
				return err
			}
			if err := r.proc.MarketOpen(ts); err != nil {
				return err
			}
			inDay = true
		}
		if err := r.proc.ProcessBar(ts); err != nil {
			return err
		}
		next := ts.Add(r.step)
		if next.After(r.end) || !sameDay(ts, next) {
			if err := r.proc.MarketClose(ts); err != nil {
				return err
			}
			if err := r.proc.EndOfDay(ts); err != nil {
				return err
			}
			inDay = false
		}
	}
	return r.proc.OnStop(r.end)
}
