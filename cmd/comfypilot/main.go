// Command comfypilot runs the ComfyPilot agent turn daemon.
//
//	comfypilot init
//	comfypilot start --config ~/.comfypilot/comfypilot.json
//	comfypilot status
//	comfypilot stop
package main

import (
	"fmt"
	"os"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
