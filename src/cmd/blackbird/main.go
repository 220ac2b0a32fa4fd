package main

import (
	"fmt"
	"os"

	l "github.com/sirupsen/logrus"
)

// Version is the blackbird version
const Version = "1.0.0"

func main() {
	execute()
}

// setupLogging configures logrus: messages go to stderr so that command
// output stays clean, the level comes from the --log-level flag.
func setupLogging(level string) error {
	parsed, err := l.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level '%s'", level)
	}
	l.SetOutput(os.Stderr)
	l.SetLevel(parsed)
	return nil
}
