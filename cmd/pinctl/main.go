// Command pinctl inspects and repairs the sync engine's local state.
package main

import "os"

func main() {
	a := &app{}
	err := newRootCommand(a).Execute()
	a.teardown()
	if err != nil {
		os.Exit(1)
	}
}
