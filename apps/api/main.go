// Command api serves the portal HTTP API.
package main

import (
	"log"
	_ "net/http/pprof"

	"github.com/vaultgrade/backend/core"
)

func main() {
	startWithDig(core.NewConfig)
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
