// tools/migrate_state.go
// CLI to migrate a persisted snapshot blob forward onto the current schema
// contract (§6.4): defaults missing fields rather than failing, same
// tolerant-reader posture the orchestrator's own snapshot loader takes.
//
// Usage:
//   go run tools/migrate_state.go -in <old.json> -out <new.json>
//   go run tools/migrate_state.go -in <old.json> -inplace
//
// Notes:
//   - total_settled_usd defaults to total_profit when absent.
//   - A HALTED mode with pause_reason "signal N" or "process exit" is
//     rewritten to INIT, matching the orchestrator's own startup rule so a
//     manually-edited or very old snapshot restores the same way a fresh
//     one would.
//   - Per-slot fields this tool doesn't recognize are left untouched:
//     the schema is additive and this tool only patches the handful of
//     top-level keys known to have shifted.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func main() {
	in := flag.String("in", "", "path to snapshot JSON")
	out := flag.String("out", "", "path to write migrated snapshot JSON (ignored if -inplace)")
	inplace := flag.Bool("inplace", false, "overwrite input file in place (creates .bak)")
	flag.Parse()

	if *in == "" {
		exitf("missing -in <file>")
	}
	if !*inplace && *out == "" {
		exitf("either specify -out <file> or use -inplace")
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		exitf("read input: %v", err)
	}

	var snap map[string]any
	if err := json.Unmarshal(raw, &snap); err != nil {
		exitf("parse snapshot JSON: %v", err)
	}

	applyDefaults(snap)

	outBytes, err := json.MarshalIndent(snap, "", " ")
	if err != nil {
		exitf("marshal migrated JSON: %v", err)
	}

	if *inplace {
		backup := *in + ".bak"
		if err := copyFile(*in, backup); err != nil {
			exitf("create backup: %v", err)
		}
		if err := os.WriteFile(*in, outBytes, 0644); err != nil {
			exitf("write migrated state: %v", err)
		}
		fmt.Printf("Migrated in-place. Backup: %s\n", backup)
		return
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
		exitf("ensure out dir: %v", err)
	}
	if err := os.WriteFile(*out, outBytes, 0644); err != nil {
		exitf("write out: %v", err)
	}
	fmt.Printf("Migrated snapshot written to: %s\n", *out)
}

// applyDefaults mutates snap in place to match the current schema's
// documented safe defaults (§6.4).
func applyDefaults(snap map[string]any) {
	totalProfit, _ := snap["TotalProfit"].(float64)
	if settled, ok := snap["TotalSettledUSD"].(float64); !ok || settled == 0 {
		snap["TotalSettledUSD"] = totalProfit
	}

	mode, _ := snap["Mode"].(string)
	reason, _ := snap["PauseReason"].(string)
	if mode == "HALTED" && (reason == "" || reason == "process exit" || strings.HasPrefix(reason, "signal ")) {
		snap["Mode"] = "INIT"
		snap["PauseReason"] = ""
	}

	if _, ok := snap["SeenFillTxIDs"]; !ok {
		snap["SeenFillTxIDs"] = []string{}
	}
	if _, ok := snap["Slots"]; !ok {
		snap["Slots"] = map[string]any{}
	}
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "migrate_state: "+format+"\n", a...)
	os.Exit(1)
}
