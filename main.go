// The main package for the spider-engine executable.
package main

import (
	"github.com/JakeFAU/spider-engine/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
