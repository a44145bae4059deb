package main

import (
	"context"
	"fmt"
	"math"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronologos/telem/internal/client"
	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/telem"
)

type writeOpts struct {
	keys      []uint
	rate      float64
	duration  time.Duration
	authority uint8
	name      string
}

func newWriteCmd(a *app) *cobra.Command {
	var o writeOpts
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a generated sine wave to channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.write(ctx, o)
		},
	}
	flags := cmd.Flags()
	flags.UintSliceVarP(&o.keys, "channels", "c", []uint{1, 2}, "channel keys to write")
	flags.Float64Var(&o.rate, "rate", 100, "samples per second")
	flags.DurationVar(&o.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flags.Uint8Var(&o.authority, "authority", framer.AuthorityAbsolute, "control authority")
	flags.StringVar(&o.name, "name", "telem-write", "writer name")
	return cmd
}

// sample generates one sample for a channel of type dt at time ts.
func sample(dt telem.DataType, ts telem.TimeStamp, n int) (telem.Series, error) {
	v := math.Sin(2 * math.Pi * float64(n) / 100)
	var s telem.Series
	switch dt {
	case telem.TimeStampT:
		s = telem.NewSeriesV(ts)
	case telem.Float64T:
		s = telem.NewSeriesV(v)
	case telem.Float32T:
		s = telem.NewSeriesV(float32(v))
	case telem.Int64T:
		s = telem.NewSeriesV(int64(v * 1000))
	case telem.Int32T:
		s = telem.NewSeriesV(int32(v * 1000))
	case telem.StringT:
		s = telem.NewStringSeries([]string{fmt.Sprintf("%.4f", v)})
	default:
		return s, fmt.Errorf("no generator for %s", dt)
	}
	s.TimeRange = telem.TimeRange{Start: ts, End: ts + 1}
	return s, nil
}

func (a *app) write(ctx context.Context, o writeOpts) error {
	if o.rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}
	schema, keys, err := a.schemaFor(o.keys)
	if err != nil {
		return err
	}
	c, err := client.New(a.cfg.Client, a.log)
	if err != nil {
		return err
	}
	w, err := c.OpenWriter(ctx, framer.WriterConfig{
		Keys:        keys,
		Authorities: []uint8{o.authority},
		Start:       telem.Now(),
		Name:        o.name,
	}, schema)
	if err != nil {
		return err
	}
	defer w.Close()

	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	batch := framer.NewBatcher(0, 0)
	defer batch.Stop()
	flush := func() error {
		if f := batch.Flush(); !f.Empty() {
			return w.Write(f)
		}
		return nil
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / o.rate))
	defer ticker.Stop()
	written := 0
	for {
		select {
		case <-ctx.Done():
			if err := flush(); err != nil {
				return err
			}
			end, err := w.Commit()
			if err != nil {
				return err
			}
			a.log.Info().Int("samples", written).Time("end", end.Time()).Msg("committed")
			return nil
		case <-batch.Timer():
			if err := flush(); err != nil {
				return err
			}
		case <-ticker.C:
			ts := telem.Now()
			full := false
			for _, k := range keys {
				dt, _ := schema.DataType(k)
				s, err := sample(dt, ts, written)
				if err != nil {
					return err
				}
				full = batch.Add(k, s) || full
			}
			written++
			if full {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
