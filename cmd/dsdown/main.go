package main

import (
	"os"

	"github.com/JakeFAU/dsdown/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
