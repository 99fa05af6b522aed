// zumic-repl is a small interactive client for manually poking a Store
// during development: it is a debugging aid, not the command/wire
// protocol layer, which is out of scope for this core. It talks to the
// Store API directly in process,
// the way sloty talks to a slotcache.Cache directly in process.
//
// Usage:
//
//	zumic-repl [-data-dir path] [-num-shards n]
//
// Commands (in REPL):
//
//	set <key> <value>   Store an int or string value for key
//	get <key>           Retrieve a value by key
//	del <key>           Delete a key
//	stats               Show per-shard key counts
//	snapshot            Force an immediate compaction pass
//	help                Show this help
//	exit / quit / q     Exit
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/zumic/zumic/internal/aof"
	zfs "github.com/zumic/zumic/pkg/fs"
	"github.com/zumic/zumic/pkg/zdb"
	"github.com/zumic/zumic/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "zumic-repl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("zumic-repl", flag.ContinueOnError)
	dataDir := flags.String("data-dir", "./data", "store data directory")
	numShards := flags.Uint32("num-shards", 16, "shard count for a freshly created data dir")
	if err := flags.Parse(args); err != nil {
		return err
	}

	s, err := store.Open(zfs.NewReal(), store.Config{
		DataDir:   *dataDir,
		NumShards: *numShards,
		Fsync:     aof.FsyncPolicy{Kind: aof.FsyncAlways},
	})
	if err != nil {
		return fmt.Errorf("opening store at %q: %w", *dataDir, err)
	}
	defer s.Close()

	r := &repl{store: s, dataDir: *dataDir}
	return r.run()
}

type repl struct {
	store   *store.Store
	dataDir string
	liner   *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".zumic_repl_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("zumic-repl (data_dir=%s)\n", r.dataDir)
	fmt.Println("Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("zumic> ")
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
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "set":
			r.cmdSet(args)
		case "get":
			r.cmdGet(args)
		case "del", "delete":
			r.cmdDel(args)
		case "stats":
			r.cmdStats()
		case "snapshot":
			r.cmdSnapshot()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"set", "get", "del", "stats", "snapshot", "help", "exit"}
	var out []string
	for _, c := range commands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>   store an int or string value")
	fmt.Println("  get <key>           retrieve a value")
	fmt.Println("  del <key>           delete a key")
	fmt.Println("  stats               per-shard key counts")
	fmt.Println("  snapshot            force an immediate compaction pass")
	fmt.Println("  exit / quit / q     exit")
}

// parseValue treats an argument that parses as a base-10 integer as a
// zdb.Int, and everything else as a zdb.String, since the REPL has no
// command layer (and therefore no typed-literal syntax) to front.
func parseValue(arg string) zdb.Value {
	if i, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return zdb.Int(i)
	}
	return zdb.String([]byte(arg))
}

func formatValue(v zdb.Value) string {
	switch v.Tag {
	case zdb.TagNull:
		return "(nil)"
	case zdb.TagInt:
		return strconv.FormatInt(v.Int, 10)
	case zdb.TagString:
		return string(v.Str)
	default:
		return fmt.Sprintf("%+v", v)
	}
}

func (r *repl) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: set <key> <value>")
		return
	}
	key, value := args[0], strings.Join(args[1:], " ")
	if err := r.store.Set(context.Background(), []byte(key), parseValue(value), 0); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("OK")
}

func (r *repl) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	v, ok, err := r.store.Get(context.Background(), []byte(args[0]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ok {
		fmt.Println("(nil)")
		return
	}
	fmt.Println(formatValue(v))
}

func (r *repl) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	had, err := r.store.Del(context.Background(), []byte(args[0]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if had {
		fmt.Println("1")
	} else {
		fmt.Println("0")
	}
}

func (r *repl) cmdStats() {
	stats := r.store.Stats()
	for i, shard := range stats.Shards {
		fmt.Printf("shard %d: keys=%d reads=%d writes=%d\n", i, shard.Keys, shard.Reads, shard.Writes)
	}
}

func (r *repl) cmdSnapshot() {
	result, err := r.store.Snapshot(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("wrote %s (%d entries, %s)\n", result.Path, result.Entries, result.Duration)
}
