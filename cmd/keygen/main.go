package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/af-corp/clawrouter/internal/wallet"
)

func main() {
	out := flag.String("out", "", "write the private key to this file (mode 0600) instead of stdout")
	flag.Parse()

	w, err := wallet.Generate()
	if err != nil {
		log.Fatalf("failed to generate wallet: %v", err)
	}

	if *out != "" {
		if err := os.WriteFile(*out, []byte(w.PrivateKeyHex()+"\n"), 0o600); err != nil {
			log.Fatalf("failed to write key: %v", err)
		}
	}

	fmt.Println("=== ClawRouter Wallet Generated ===")
	fmt.Println()
	fmt.Printf("  Address:  %s\n", w.Address())
	fmt.Println("  Network:  Base (eip155:8453)")
	if *out != "" {
		fmt.Printf("  Key file: %s\n", *out)
	} else {
		fmt.Println()
		fmt.Println("  Private key (save this, it will NOT be shown again):")
		fmt.Printf("  %s\n", w.PrivateKeyHex())
	}
	fmt.Println()
	fmt.Println("  Fund the address with USDC on Base, then:")
	fmt.Println("    export BLOCKRUN_WALLET_KEY=<private key>")
	fmt.Println("===================================")
}
