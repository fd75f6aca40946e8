package app

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

// Providers prints the configured provider catalogue.
func (a *App) Providers() error {
	if len(a.Config.Providers) == 0 {
		fmt.Fprintln(os.Stdout, "no providers configured")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tTier\tCost/Msg\tBaseline (ms)\tAuth\tClasses\tEndpoint")

	for _, p := range a.Config.Providers {
		tier := p.Priority
		if tier == "" {
			tier = "medium"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%.1f\t%s\t%s\t%s\n",
			p.ID,
			p.Name,
			tier,
			p.CostPerMessage.String(),
			p.LatencyBaselineMs,
			p.AuthScheme,
			strings.Join(p.InstrumentClasses, ","),
			p.Endpoint,
		)
	}

	writer.Flush()
	return nil
}
