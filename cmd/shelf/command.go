package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one shelf subcommand.
type Command struct {
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "get <id>".
	Usage string
	Short string

	// Open reports whether the command needs an open handle; Exec then
	// receives it in env.
	Open bool

	Exec func(env *env, args []string) error
}

func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

func (c *Command) PrintHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: shelf [global flags]", c.Usage)
	fmt.Fprintln(w)
	fmt.Fprintln(w, c.Short)
	if c.Flags != nil && c.Flags.HasFlags() {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Flags:")
		c.Flags.SetOutput(w)
		c.Flags.PrintDefaults()
	}
}

// Run parses the command's flags and executes it.
func (c *Command) Run(env *env, args []string) error {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}
	c.Flags.SetOutput(io.Discard)
	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(env.out)
			return nil
		}
		return fmt.Errorf("%s: %w", c.Name(), err)
	}
	if c.Open {
		if err := env.open(); err != nil {
			return err
		}
		defer env.close()
	}
	return c.Exec(env, c.Flags.Args())
}
