// The main package for the drive-backup executable.
package main

import (
	"github.com/JakeFAU/drive-backup/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
