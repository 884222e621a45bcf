// The main package for the ipfs-backfill executable.
package main

import "github.com/JakeFAU/ipfs-backfill/cmd"

func main() {
	cmd.Execute()
}
