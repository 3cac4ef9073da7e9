// tuplectl is an interactive REPL for exercising an in-process tuplekv
// store, useful for manual testing and demonstrations without standing
// up the HTTP server.
//
// Commands:
//
//	get <key>              Retrieve a record by key
//	put <key> <value>      Insert or update a record
//	del <key>               Delete a record
//	scan-shard <n>          List live keys in shard n
//	vacuum                 Run a vacuum pass immediately
//	stats                  Show accumulated tuple-core counters
//	help                    Show this help
//	exit / quit / q          Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"sehlabs.com/tuplekv/internal/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	store, err := db.MakeShardedStore()
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	repl := &REPL{store: store}
	return repl.Run()
}

// REPL is the interactive command loop over an in-process ShardedStore.
type REPL struct {
	store *db.ShardedStore
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tuplectl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("tuplectl - tuplekv CLI (shards=%d)\n", r.store.ShardCount())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("tuplectl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "get":
			r.cmdGet(args)
		case "put":
			r.cmdPut(args)
		case "del", "delete":
			r.cmdDelete(args)
		case "scan-shard":
			r.cmdScanShard(args)
		case "vacuum":
			r.cmdVacuum()
		case "stats":
			r.cmdStats()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"get", "put", "del", "delete", "scan-shard",
		"vacuum", "stats", "help", "exit", "quit", "q",
	}
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  get <key>              Retrieve a record by key")
	fmt.Println("  put <key> <value>      Insert or update a record")
	fmt.Println("  del <key>              Delete a record")
	fmt.Println("  scan-shard <n>         List live keys in shard n")
	fmt.Println("  vacuum                 Run a vacuum pass immediately")
	fmt.Println("  stats                  Show accumulated tuple-core counters")
	fmt.Println("  help                   Show this help")
	fmt.Println("  exit / quit / q        Exit")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}
	key := db.Key(args[0])
	var value db.Value
	err := r.store.WithinTransaction(context.Background(), func(ctx context.Context, tx db.Transaction) (bool, error) {
		v, err := tx.Get(ctx, key)
		if err != nil {
			return false, err
		}
		value = append(db.Value(nil), v...)
		return false, nil
	})
	if errors.Is(err, db.ErrRecordDoesNotExist) {
		fmt.Println("(not found)")
		return
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s\n", value)
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")
		return
	}
	key := db.Key(args[0])
	value := db.Value(strings.Join(args[1:], " "))
	err := r.store.WithinTransaction(context.Background(), func(ctx context.Context, tx db.Transaction) (bool, error) {
		if err := tx.Upsert(ctx, key, value); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")
		return
	}
	key := db.Key(args[0])
	var existed bool
	err := r.store.WithinTransaction(context.Background(), func(ctx context.Context, tx db.Transaction) (bool, error) {
		err, deleted := tx.Delete(ctx, key)
		if err != nil {
			return false, err
		}
		existed = deleted
		return true, nil
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if existed {
		fmt.Println("OK: deleted")
	} else {
		fmt.Println("OK: did not exist")
	}
}

func (r *REPL) cmdScanShard(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: scan-shard <n>")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Error parsing shard index: %v\n", err)
		return
	}
	keys, err := r.store.ScanShard(n)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(keys) == 0 {
		fmt.Println("(empty)")
		return
	}
	for i, k := range keys {
		fmt.Printf("%3d. %s\n", i+1, k)
	}
}

func (r *REPL) cmdVacuum() {
	if err := r.store.Vacuum(context.Background()); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK")
}

func (r *REPL) cmdStats() {
	snapshot := r.store.Counters()
	fmt.Printf("Creates:                  %d\n", snapshot.Creates)
	fmt.Printf("Logical deletes:          %d\n", snapshot.LogicalDeletes)
	fmt.Printf("Physical deletes:         %d\n", snapshot.PhysicalDeletes)
	fmt.Printf("Bytes allocated:          %d\n", snapshot.BytesAllocated)
	fmt.Printf("Bytes freed:              %d\n", snapshot.BytesFreed)
	fmt.Printf("In-place hits:            %d\n", snapshot.InPlaceHits)
	fmt.Printf("Spills:                   %d\n", snapshot.Spills)
	fmt.Printf("In-place insufficient:    %d\n", snapshot.InPlaceInsufficient)
	fmt.Printf("  (with spill):           %d\n", snapshot.InPlaceInsufficientSpl)
	fmt.Printf("Average spill length:     %.1f\n", snapshot.AverageSpillLength)
	fmt.Printf("Average lock spins:       %.1f\n", snapshot.AverageLockAcquireSpins)
	fmt.Printf("Average stable-read spins: %.1f\n", snapshot.AverageStableVersionSpi)
	fmt.Printf("Average read retries:     %.1f\n", snapshot.AverageReadRetries)
}
