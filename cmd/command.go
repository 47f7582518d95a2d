// Shared machinery for the co2track verbs.
//
// Every verb is a Command: it declares its flags, validates them once the
// command line is parsed, receives the positional store arguments, and then
// performs.  Shared argument groups are embeddable structs with their own
// Add/Validate, composed into each verb's command struct.

package cmd

import (
	"flag"
	"io"
)

type Command interface {
	// One-line description for the help text.
	Summary() string

	// Add all flags, including those of embedded argument groups.
	Add(fs *flag.FlagSet)

	// Receive the positional (store) arguments.
	SetRestArguments(args []string) error

	// Validate all arguments, including those of embedded argument groups.
	Validate() error

	// The -v flag.
	VerboseFlag() bool

	Perform(stdout, stderr io.Writer) error
}
