package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Events prints recent journaled feed events.
func (a *App) Events(ctx context.Context, opts EventsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tType\tProvider\tInstrument\tPayload")

	for _, ev := range events {
		payload := string(ev.Payload)
		if len(payload) > 120 {
			payload = payload[:117] + "..."
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			ev.EmittedAt.UTC().Format(time.RFC3339),
			ev.Type,
			ev.Provider,
			ev.Instrument,
			sanitizeInline(payload),
		)
	}

	writer.Flush()
	return nil
}
