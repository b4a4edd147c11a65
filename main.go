// The main package for the pushl executable.
package main

import "pushl/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
