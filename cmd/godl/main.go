// Command godl is a multi-connection download manager: split a transfer
// across several HTTP range requests, persist progress so it survives a
// crash or an intentional pause, and resume byte-exact from where it left
// off.
package main

import "github.com/surgekit/godl/internal/cli"

func main() {
	cli.Execute()
}
