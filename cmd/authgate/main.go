package main

import (
	"fmt"
	"os"

	"authgate/internal/app"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "authgate: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		application.Logger.Error("application exited with error", "error", err)
		os.Exit(1)
	}
}
