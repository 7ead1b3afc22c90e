// Command taskgridd runs the task engine behind a small operational
// HTTP surface: task submission for registered task types, result
// polling, engine statistics, Prometheus metrics, and health.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskgridd: %v\n", err)
		os.Exit(1)
	}
}
