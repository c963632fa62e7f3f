package main

import (
	"os"

	"github.com/ldapconsole/api/cmd/consolectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
