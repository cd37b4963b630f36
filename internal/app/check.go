package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"timerjob/internal/config"
	"timerjob/internal/scheduler"
	"timerjob/internal/timer"
)

const checkTimeLayout = "2006-01-02 15:04 MST"

// Check validates cfg and writes the next n planned firings of every job,
// computed from now on a virtual clock. Nothing is executed. Interval jobs
// assume the shortest start delay.
func Check(w io.Writer, cfg *config.Config, kinds *Kinds, now time.Time, n int) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if kinds == nil {
		kinds = NewKinds()
	}
	a := &App{kinds: kinds}
	if err := a.validateKinds(cfg); err != nil {
		return err
	}

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}
	lo, hi, err := cfg.Scheduler.InitialDelay()
	if err != nil {
		return err
	}
	s := scheduler.New(timer.NewManual(now.In(loc)),
		scheduler.WithLocation(loc), scheduler.WithInitialDelay(lo, hi))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tKIND\tSCHEDULE\tNEXT\n")
	for _, jc := range cfg.Jobs {
		d, err := jc.Directive(loc)
		if err != nil {
			return fmt.Errorf("job %s: %w", jc.Name, err)
		}
		times, err := s.Preview(d, n)
		if err != nil {
			return fmt.Errorf("job %s: %w", jc.Name, err)
		}
		next := "-"
		if len(times) > 0 {
			parts := make([]string, len(times))
			for i, t := range times {
				parts[i] = t.Format(checkTimeLayout)
			}
			next = strings.Join(parts, ", ")
		}
		desc := d.Description()
		if jc.Suspended {
			desc += " (suspended)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", strings.TrimSpace(jc.Name), normKind(jc.Kind), desc, next)
	}
	fmt.Fprintf(tw, "\ntimezone: %s\n", loc)
	return tw.Flush()
}
