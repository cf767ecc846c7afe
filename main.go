package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	if err := RunCLI(os.Args[1:]); err != nil {
		if pe, ok := err.(*PatchError); ok {
			log.Fatalf("%s: pid %d: %s", pe.Kind, pe.Pid, pe.Error())
		}
		fmt.Fprintln(os.Stderr, "binpatch:", err)
		os.Exit(1)
	}
}
