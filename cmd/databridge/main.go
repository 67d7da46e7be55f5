// Command databridge answers natural-language questions over operational
// data backends and hosts the tool gateway.
//
// Usage:
//
//	databridge serve --config config.yaml
//	databridge ask "total orders last week" --database postgres
//	databridge test-connection
//	databridge authenticate
//	databridge index --workspace T0123456
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/databridge-io/databridge/pkg/faults"
)

// CLI defines the command-line interface.
type CLI struct {
	Version        VersionCmd        `cmd:"" help:"Show version information."`
	Serve          ServeCmd          `cmd:"" help:"Start the HTTP gateway."`
	Ask            AskCmd            `cmd:"" help:"Ask a natural-language question against a backend."`
	TestConnection TestConnectionCmd `cmd:"" name:"test-connection" help:"Probe configured backends."`
	Authenticate   AuthenticateCmd   `cmd:"" help:"Connect a Slack workspace via OAuth."`
	Index          IndexCmd          `cmd:"" help:"Run one Slack indexing pass."`
	Status         StatusCmd         `cmd:"" help:"Show Slack indexing progress."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose). Overrides the config file."`
}

func main() {
	// Local development keeps API keys in a .env file.
	_ = godotenv.Load()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("databridge"),
		kong.Description("Natural-language gateway over operational data backends"),
		kong.UsageOnError(),
	)

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var fault *faults.Fault
		if errors.As(err, &fault) && fault.Remediation != "" {
			fmt.Fprintf(os.Stderr, "Remediation: %s\n", fault.Remediation)
		}
		os.Exit(faults.ExitCode(err))
	}
}
