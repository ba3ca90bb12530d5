// ./main.go
package main

import (
	"github.com/xkilldash9x/sag/cmd"
)

// main is the entry point for the sag CLI.
func main() {
	cmd.Execute()
}
