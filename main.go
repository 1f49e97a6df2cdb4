package main

import (
	"context"

	"github.com/khalidbs/vulnveille/cmd"
)

func main() {
	cmd.Execute(context.Background())
}
