package main

import (
	"context"

	"github.com/incview/incview/cmd"
)

func main() {
	cmd.Execute(context.Background())
}
