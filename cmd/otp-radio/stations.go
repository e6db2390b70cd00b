package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/acardillo/otp-radio/internal/config"
	"github.com/acardillo/otp-radio/internal/directory"
	"github.com/acardillo/otp-radio/internal/stream"
)

func stationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stations",
		Usage: "List the stations a relay knows about",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "directory", Usage: "Relay HTTP address, e.g. http://127.0.0.1:8080"},
			&cli.BoolFlag{Name: "live", Usage: "Only stations with a broadcaster"},
			&cli.BoolFlag{Name: "json", Usage: "Print JSON instead of a table"},
		},
		Action: stationsAction,
	}
}

func stationsAction(c *cli.Context) error {
	cfg, err := loadConfig(c, func(cfg *config.Config) {
		if c.IsSet("directory") {
			cfg.Listen.DirectoryURL = c.String("directory")
		}
	})
	if err != nil {
		return err
	}
	if cfg.Listen.DirectoryURL == "" {
		return cli.Exit("A relay address is required: --directory http://host:port", 2)
	}

	client, err := directory.NewClient(directory.Config{
		BaseURL: cfg.Listen.DirectoryURL,
		Timeout: cfg.Transport.GetRequestTimeoutDuration(),
	}, nil)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	stations, err := client.ListStations(c.Context, c.Bool("live"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(stations)
	}
	return printStations(c.App.Writer, stations, time.Now())
}

func printStations(w io.Writer, stations []stream.StationInfo, now time.Time) error {
	if w == nil {
		w = os.Stdout
	}
	if len(stations) == 0 {
		_, err := fmt.Fprintln(w, "No stations")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATION\tLIVE\tLISTENERS\tLAST SEQ\tCHUNKS\tIDLE")
	for _, s := range stations {
		last := "-"
		if s.LastSequence != nil {
			last = fmt.Sprintf("%d", *s.LastSequence)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%d\t%s\n",
			s.ID, s.Live, s.Listeners, last, s.ChunksReceived,
			now.Sub(s.LastActivity).Truncate(time.Second))
	}
	return tw.Flush()
}
