// The main package for the mirrorshield executable.
package main

import (
	"github.com/JakeFAU/mirrorshield/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
