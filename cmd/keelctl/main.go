package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"keel/pkg/model"
)

const usage = `Usage: keelctl [--addr host:port] <command>

Commands:
  version [v]   show the target version, or set it to v ("" stops all services)
  state         print the aggregate cluster state
  health        check that the master is serving
`

func main() {
	addr := pflag.String("addr", "localhost:7888", "master control surface address")
	asJSON := pflag.Bool("json", false, "print state as raw JSON")
	pflag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := run(ctx, newClient(*addr), pflag.Args(), *asJSON, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client, args []string, asJSON bool, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}
	switch args[0] {
	case "version":
		if len(args) == 1 {
			v, err := c.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "target version: %q\n", v)
			return nil
		}
		v, err := c.SetVersion(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ target version set to %q\n", v)
		return nil
	case "state":
		if asJSON {
			data, err := c.do(ctx, "GET", "/v1/state", nil)
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		}
		snap, err := c.State(ctx)
		if err != nil {
			return err
		}
		printState(out, snap)
		return nil
	case "health":
		if err := c.Health(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func printState(out io.Writer, snap *model.Snapshot) {
	fmt.Fprintf(out, "framework: %s\n", snap.Scheduler.FrameworkID)
	fmt.Fprintf(out, "target version: %q\n", snap.Scheduler.TargetVersion)
	fmt.Fprintf(out, "api: %s  console: %s\n\n", snap.API.Lifecycle, snap.Console.Lifecycle)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tDEVICES\tPROBER\tREGISTRY\tMETADATA\tDATA\tCLIENT")
	for _, n := range snap.Nodes {
		devices := "?"
		if n.DeviceTypesValid {
			devices = fmt.Sprint(n.DeviceTypes.Sorted())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			n.Hostname, devices, n.Prober.Lifecycle, n.Registry.Lifecycle, n.Metadata.Lifecycle, n.Data.Lifecycle, n.Client.Lifecycle)
	}
	w.Flush()
}
