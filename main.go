package main

import (
	"github.com/decloud-network/decloud-node/internal/cmd"
)

func main() {
	cmd.Execute()
}
