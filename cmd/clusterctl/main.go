package main

import (
	"os"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/cmd/clusterctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
