package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("swarmd doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "OK  "
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		case "SKIP":
			icon = "SKIP"
		}
		fmt.Printf("%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("     %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}
