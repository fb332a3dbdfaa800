// Command loadtest drives load against a running rendezvous server.
//
//   - saturate: idle authenticated connections (capacity, presence fanout)
//   - match:    concurrent matchmaking throughput and latency
//   - relay:    session message delivery latency between matched partners
//
// The server limits connections per IP and join_queue per connection. Clients
// send distinct X-Forwarded-For addresses; start the server with
// RATE_LIMIT=false for runs that exceed the per-connection limits.
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
	case "match":
		runMatch(os.Args[2:])
	case "relay":
		runRelay(os.Args[2:])
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
	fmt.Println("  saturate    Open N authenticated idle connections and hold them")
	fmt.Println("  match       Queue pairs of users concurrently and time match_found")
	fmt.Println("  relay       Form sessions and time session_message delivery")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
