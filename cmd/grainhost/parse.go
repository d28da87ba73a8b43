package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"grainhost.app/supervisor"
)

const usage = `Usage: grainhost [options] <app-name> <grain-id> <command>...

Runs a grain supervisor for the grain <grain-id>, which is an instance of
app <app-name>. Executes <command> inside the grain sandbox.
`

// parseArgs assembles a grain config from the command line. Flags stop at
// the first positional argument so the app command's own flags pass
// through untouched.
func parseArgs(args []string, stderr io.Writer) (*supervisor.Config, error) {
	config := new(supervisor.Config)

	flags := pflag.NewFlagSet("grainhost", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	flags.StringVar(&config.PkgPath, "pkg", "",
		"Directory containing the app package. Defaults to '"+
			supervisor.DefaultPkgRoot+"/<app-name>'.")
	flags.StringVar(&config.VarPath, "var", "",
		"Directory where the grain's mutable persistent data is stored. Defaults to '"+
			supervisor.DefaultVarRoot+"/<grain-id>'.")
	flags.StringArrayVarP(&config.Env, "env", "e", nil,
		"Set an environment variable <name>=<val> inside the sandbox. "+
			"Note that *no* environment variables are set by default.")
	flags.BoolVar(&config.MountProc, "proc", false,
		"Mount procfs inside the sandbox. For security reasons, this is NOT "+
			"RECOMMENDED during normal use, but it may be useful for debugging.")
	flags.BoolVar(&config.KeepStdio, "stdio", false,
		"Don't redirect the sandbox's stdio. Useful for debugging.")
	flags.BoolVar(&config.DevMode, "dev", false,
		"Allow some system calls useful for debugging which are blocked in production.")
	flags.BoolVar(&config.DumpSeccompPFC, "seccomp-dump-pfc", false,
		"Dump the syscall filter as PFC output.")
	flags.BoolVarP(&config.IsNew, "new", "n", false,
		"Initializes a new grain. (Otherwise, runs an existing one.)")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	rest := flags.Args()
	if len(rest) < 3 {
		flags.Usage()
		return nil, errors.New("missing arguments")
	}
	config.AppName = rest[0]
	config.GrainID = rest[1]
	config.Command = rest[2:]

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.MountProc {
		fmt.Fprintln(stderr, "WARNING: --proc is dangerous. Only use it when debugging code you trust.")
	}
	if config.DevMode {
		fmt.Fprintln(stderr, "WARNING: --dev allows syscalls that are blocked in production.")
	}
	return config, nil
}
