// Command boshcli is a demo client for the jbosh session engine: connect
// to a BOSH connection manager, send payloads, and expose coordinator
// metrics over Prometheus, exercising the library the way a teacher
// repo's own cmd/ binary exercises its server package.
package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(submain(context.Background()))
}
