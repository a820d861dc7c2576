package main

import (
	"os"

	"brandmark/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
