// `co2track` -- track the carbon footprint of an HPC cluster's jobs
//
// Run `co2track help` for brief help; each verb accepts -h for its options.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matthiasblum/embl-ebi-hpc-co2/cmd"
	"github.com/matthiasblum/embl-ebi-hpc-co2/collect"
	"github.com/matthiasblum/embl-ebi-hpc-co2/common"
	"github.com/matthiasblum/embl-ebi-hpc-co2/daemon"
	"github.com/matthiasblum/embl-ebi-hpc-co2/jobs"
	"github.com/matthiasblum/embl-ebi-hpc-co2/report"
	"github.com/matthiasblum/embl-ebi-hpc-co2/status"
	"github.com/matthiasblum/embl-ebi-hpc-co2/track"
	"github.com/matthiasblum/embl-ebi-hpc-co2/usage"
	"github.com/matthiasblum/embl-ebi-hpc-co2/users"
)

const Co2trackVersion = "1.0.0"

func main() {
	command := commandLine()
	if command.VerboseFlag() {
		common.Log.LowerLevelTo(status.LogLevelInfo)
	}
	if err := command.Perform(os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commandLine() cmd.Command {
	out := flag.CommandLine.Output()

	if len(os.Args) < 2 {
		fmt.Fprintf(out, "Required operation missing, try `co2track help`\n")
		os.Exit(2)
	}

	var command cmd.Command
	verb := os.Args[1]
	switch verb {
	case "help", "-h":
		fmt.Fprintf(out, "Usage: %s command [options] store ...\n", os.Args[0])
		fmt.Fprintf(out, "Commands:\n")
		fmt.Fprintf(out, "  collect - collect job accounting data from LSF into a job store\n")
		fmt.Fprintf(out, "  track   - aggregate daily usage and footprint into a usage store\n")
		fmt.Fprintf(out, "  jobs    - list job records from a job store\n")
		fmt.Fprintf(out, "  usage   - report daily usage and footprint from a usage store\n")
		fmt.Fprintf(out, "  report  - build the monthly per-user report\n")
		fmt.Fprintf(out, "  users   - list the curated users of a usage store\n")
		fmt.Fprintf(out, "  daemon  - serve usage data over HTTP\n")
		fmt.Fprintf(out, "  version - print information about the program\n")
		fmt.Fprintf(out, "  help    - print this message\n")
		fmt.Fprintf(out, "Each command accepts -h to further explain options.\n")
		os.Exit(0)
	case "collect":
		command = new(collect.CollectCommand)
	case "track":
		command = new(track.TrackCommand)
	case "jobs":
		command = new(jobs.JobsCommand)
	case "usage":
		command = new(usage.UsageCommand)
	case "report":
		command = new(report.ReportCommand)
	case "users":
		command = new(users.UsersCommand)
	case "daemon":
		command = new(daemon.DaemonCommand)
	case "version":
		fmt.Printf("co2track version(%s)\n", Co2trackVersion)
		os.Exit(0)
	default:
		fmt.Fprintf(out, "Unknown operation %s, try `co2track help`\n", verb)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	command.Add(fs)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: %s %s [options] store ...\n\n", os.Args[0], verb)
		fmt.Fprintln(out, " ", command.Summary())
		fmt.Fprintln(out, "\nOptions:")
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if err := command.SetRestArguments(fs.Args()); err != nil {
		fmt.Fprintf(out, "Bad arguments, try -h\n%v\n", err)
		os.Exit(2)
	}
	if err := command.Validate(); err != nil {
		fmt.Fprintf(out, "Bad arguments, try -h\n%v\n", err)
		os.Exit(2)
	}
	return command
}
