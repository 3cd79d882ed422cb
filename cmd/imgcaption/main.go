package main

import (
	"os"

	"go-image-captioner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
