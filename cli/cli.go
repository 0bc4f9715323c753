// Package cli provides the command-line interface for PDF signing.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"YAML configuration file." short:"c" type:"existingfile" placeholder:"FILE"`
	LogLevel  string `help:"Log level: debug, info, warn, error." name:"log-level" placeholder:"LEVEL"`
	LogFormat string `help:"Log format: text or json." name:"log-format" placeholder:"FORMAT"`

	stdout io.Writer
	stderr io.Writer
}

// CLI is the command grammar.
type CLI struct {
	Globals

	Sign    SignCmd    `cmd:"" help:"Sign a PDF file with a keystore."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints version information.
type VersionCmd struct{}

// Run implements the version command.
func (v *VersionCmd) Run(g *Globals) error {
	fmt.Fprintf(g.stdout, "gopdfsign version %s\n", Version)
	fmt.Fprintf(g.stdout, "Build time: %s\n", BuildTime)
	return nil
}

// exit carries an exit code out of kong's Exit hook.
type exit int

// Run parses args, without the program name, runs the selected command and
// returns the process exit code. Malformed arguments print usage and return
// kong's usage error code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	var cli CLI
	cli.stdout, cli.stderr = stdout, stderr

	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(exit)
			if !ok {
				panic(r)
			}
			code = int(e)
		}
	}()

	parser, err := kong.New(&cli,
		kong.Name("gopdfsign"),
		kong.Description("Sign PDF documents with an incremental update."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(c int) { panic(exit(c)) }),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		fmt.Fprintf(stderr, "gopdfsign: %v\n", err)
		return 1
	}

	kctx, err := parser.Parse(normalizeArgs(args))
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(kctx.Run(&cli.Globals))
	return 0
}

// normalizeArgs accepts the single-dash "-tsa" spelling.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch a {
		case "-tsa":
			out[i] = "--tsa"
		default:
			out[i] = a
		}
	}
	return out
}
