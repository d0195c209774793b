// The main package for the cachewarden executable.
package main

import (
	"github.com/JakeFAU/fastcgi-cache-warden/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
