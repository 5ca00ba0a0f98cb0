// Package main is the entry point for the pairup load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: idle connection saturation of the collab gateway
//   - rooms:    document update fan-out inside busy rooms
//   - match:    matcher HTTP flow followed by a collab handshake
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle collab connections")
	fmt.Println("  rooms       Fan-out test, K editors per room exchanging document updates")
	fmt.Println("  match       Matching flow test, pairs request a match then join their room")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
