package main

import (
	"fmt"
	"os"

	// Load .env from the working directory before any configuration is read.
	_ "github.com/joho/godotenv/autoload"

	// register all backends with the storage factory.
	// config selects which one to use but the binary builds in support for all of them.
	_ "dwetl/internal/storage/all"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
