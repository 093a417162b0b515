// Command goesign places signer artifacts into PDF documents and tracks the
// signing workflow of each envelope.
//
// Usage:
//
//	goesign <command> [options] <args>
//
// Commands:
//
//	create       Create a draft envelope from a PDF and a field template
//	start        Open a draft envelope for signing
//	submit       Submit a signer's artifact for one field
//	complete     Sign a signer whose required fields are all present
//	decline      Decline to sign
//	void         Void an envelope
//	recreate     Start a new draft from a voided envelope
//	status       Show an envelope's state
//	export       Write an envelope's current document to a file
//	verify-hash  Compare the stored document with its recorded hash
//	report       Render a status report (json, text or xlsx)
//	templates    List field templates
//	sweep        Re-verify completed envelopes once or on a schedule
//	version      Show version information
//	help         Show help message
//
// Examples:
//
//	# Create and start an envelope with two ordered signers
//	goesign create -title "Kitchen remodel" -document contract.pdf -ordered \
//	    -signer role=HOMEOWNER,id=homeowner -signer role=CONTRACTOR,id=contractor,order=1 -start
//
//	# Sign
//	goesign submit <envelope-id> homeowner "Homeowner Signature" signature.png
//	goesign submit -text "Jane Doe" <envelope-id> homeowner "Homeowner Name"
//
//	# Check integrity
//	goesign verify-hash <envelope-id>
package main

import (
	"os"

	"github.com/georgepadayatti/goesign/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/goesign
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Set version info
	cli.Version = version
	cli.BuildTime = buildTime

	// Run the CLI
	cli.Run(os.Args)
}
