// Command gopdfsign signs PDF files with a detached CMS signature appended
// as an incremental update.
//
// Usage:
//
//	gopdfsign sign [options] <keystore> <password> <pdf>
//	gopdfsign version
//
// Examples:
//
//	# Sign with a PKCS#12 keystore, writing input_signed.pdf
//	gopdfsign sign cert.p12 changeit input.pdf
//
//	# Prompt for the password and add a signature time-stamp
//	gopdfsign sign --tsa http://timestamp.example.com cert.p12 - input.pdf
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/georgepadayatti/gopdfsign/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/gopdfsign
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
