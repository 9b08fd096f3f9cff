package main

import (
	"fmt"
	"os"

	"github.com/mmuteeullah/CoreCam/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run tools/hashpass.go <password>")
		os.Exit(1)
	}

	hash, err := auth.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating hash: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
	fmt.Println()
	fmt.Println("Add this to your CoreCam config.yaml:")
	fmt.Printf("webui:\n  authentication:\n    enabled: true\n    username: admin\n    password_hash: %q\n    session_timeout: 60\n", hash)
}
