// Command terrarium-inspect examines a world's artifacts at rest: the
// JSONL event log and checkpoint files. It never needs a running
// kernel.
//
//	terrarium-inspect events -log events.jsonl -offset 100 -limit 50
//	terrarium-inspect checkpoint -path checkpoint.json
//	terrarium-inspect verify -log events.jsonl -checkpoint checkpoint.json
//
// verify exits non-zero when any integrity check fails, so it slots
// into scripts and CI.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/terrarium-sim/terrarium/internal/checkpoint"
	"github.com/terrarium-sim/terrarium/internal/events"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "events":
		cmdEvents(os.Args[2:])
	case "checkpoint":
		cmdCheckpoint(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: terrarium-inspect <events|checkpoint|verify> [flags]")
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "terrarium-inspect: "+format+"\n", args...)
	os.Exit(1)
}

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	logPath := fs.String("log", "events.jsonl", "event log file")
	offset := fs.Int64("offset", 0, "print events with seq greater than this")
	limit := fs.Int64("limit", 0, "stop after this many events (0 = all)")
	eventType := fs.String("type", "", "only this event type")
	agentID := fs.String("agent", "", "only events attributed to this agent")
	fs.Parse(args)

	evs, err := events.LoadFile(*logPath)
	if err != nil {
		fatalf("load %s: %v", *logPath, err)
	}

	var printed int64
	enc := json.NewEncoder(os.Stdout)
	for _, ev := range evs {
		if ev.Seq <= *offset {
			continue
		}
		if *eventType != "" && ev.EventType != *eventType {
			continue
		}
		if *agentID != "" && ev.AgentID != *agentID {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			fatalf("encode: %v", err)
		}
		printed++
		if *limit > 0 && printed >= *limit {
			break
		}
	}
}

func cmdCheckpoint(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	path := fs.String("path", "checkpoint.json", "checkpoint file")
	fs.Parse(args)

	cp, err := checkpoint.Load(*path)
	if err != nil {
		fatalf("load %s: %v", *path, err)
	}

	var totalScrip, held int64
	for _, acct := range cp.Ledger.Accounts {
		totalScrip += acct.Scrip
	}
	for _, h := range cp.Ledger.Holds {
		held += h.Amount
	}

	summary := map[string]interface{}{
		"saved_at":      cp.SavedAt,
		"watermark":     cp.Watermark,
		"artifacts":     len(cp.Artifacts),
		"accounts":      len(cp.Ledger.Accounts),
		"total_scrip":   totalScrip,
		"minted_total":  cp.Ledger.MintedTotal,
		"burned_total":  cp.Ledger.BurnedTotal,
		"held_scrip":    held,
		"active_holds":  len(cp.Ledger.Holds),
		"api_spend_usd": cp.Ledger.APISpend.String(),
		"exhausted":     cp.Ledger.Exhausted,
		"mint_phase":    cp.Mint.Phase,
		"hash":          cp.Hash,
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	logPath := fs.String("log", "", "event log file to verify")
	cpPath := fs.String("checkpoint", "", "checkpoint file to verify")
	fs.Parse(args)

	if *logPath == "" && *cpPath == "" {
		fatalf("verify needs -log and/or -checkpoint")
	}

	failed := false
	report := func(check string, err error) {
		if err != nil {
			failed = true
			fmt.Printf("FAIL %-22s %v\n", check, err)
		} else {
			fmt.Printf("ok   %s\n", check)
		}
	}

	var evs []events.Event
	if *logPath != "" {
		var err error
		evs, err = events.LoadFile(*logPath)
		if err != nil {
			fatalf("load %s: %v", *logPath, err)
		}
		report("event_sequence", events.VerifySequence(evs))
	}

	if *cpPath != "" {
		// Load re-hashes the payload, so a successful load already
		// proves the file was not altered.
		cp, err := checkpoint.Load(*cpPath)
		report("checkpoint_hash", err)
		if err == nil {
			report("conservation", verifyConservation(cp))
			report("holds_backed", verifyHolds(cp))
			if *logPath != "" {
				report("watermark_coverage", verifyWatermark(cp, evs))
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}

func verifyConservation(cp *checkpoint.Checkpoint) error {
	var total int64
	for _, acct := range cp.Ledger.Accounts {
		total += acct.Scrip
	}
	if total != cp.Ledger.MintedTotal-cp.Ledger.BurnedTotal {
		return fmt.Errorf("total scrip %d != minted %d - burned %d", total, cp.Ledger.MintedTotal, cp.Ledger.BurnedTotal)
	}
	return nil
}

func verifyHolds(cp *checkpoint.Checkpoint) error {
	held := make(map[string]int64)
	for _, h := range cp.Ledger.Holds {
		held[h.Principal] += h.Amount
	}
	for principal, amount := range held {
		acct, ok := cp.Ledger.Accounts[principal]
		if !ok {
			return fmt.Errorf("hold against unknown principal %s", principal)
		}
		if amount > acct.Scrip {
			return fmt.Errorf("%s has %d held against %d scrip", principal, amount, acct.Scrip)
		}
	}
	return nil
}

func verifyWatermark(cp *checkpoint.Checkpoint, evs []events.Event) error {
	if len(evs) == 0 {
		if cp.Watermark != 0 {
			return fmt.Errorf("checkpoint watermark %d but event log is empty", cp.Watermark)
		}
		return nil
	}
	last := evs[len(evs)-1].Seq
	if cp.Watermark > last {
		return fmt.Errorf("checkpoint watermark %d beyond log end %d", cp.Watermark, last)
	}
	return nil
}
