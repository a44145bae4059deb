package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chronologos/telem/internal/client"
)

func newStreamCmd(a *app) *cobra.Command {
	var keys []uint
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Print live frames for channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.stream(ctx, cmd.OutOrStdout(), keys)
		},
	}
	cmd.Flags().UintSliceVarP(&keys, "channels", "c", []uint{1, 2}, "channel keys to stream")
	return cmd
}

func (a *app) stream(ctx context.Context, out io.Writer, rawKeys []uint) error {
	schema, keys, err := a.schemaFor(rawKeys)
	if err != nil {
		return err
	}
	c, err := client.New(a.cfg.Client, a.log)
	if err != nil {
		return err
	}
	s, err := c.OpenStreamer(ctx, keys, schema)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		f, err := s.Read()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		for i, k := range f.Keys {
			fmt.Fprintf(out, "%d\t%s\n", k, f.Series[i])
		}
	}
}
