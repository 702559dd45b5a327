package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"gridworld.ai/internal/persistence/snapshot"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) >= 1 {
		switch args[0] {
		case "db":
			return dbCmd(args[1:], out)
		case "state":
			return stateCmd(args[1:], out)
		case "snapshot":
			return snapshotCmd(args[1:], out)
		case "perms":
			return permsCmd(args[1:], out)
		}
	}
	return listCmd(args, out)
}

// listCmd prints the header of every snapshot in the data directory.
func listCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	paths, err := listSnapshots(*dataDir)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Fprintf(out, "%s\terror=%v\n", filepath.Base(p), err)
			continue
		}
		size := "?"
		if fi, err := os.Stat(p); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		fmt.Fprintf(out, "%s\trun=%s tick=%d agents=%d clients=%d size=%s created=%s\n",
			filepath.Base(p), h.RunID, h.Tick, h.Agents, h.Clients, size, h.CreatedAt)
	}
	return nil
}

// listSnapshots returns snapshot paths ordered by tick.
func listSnapshots(dataDir string) ([]string, error) {
	dir := filepath.Join(dataDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		tick uint64
		path string
	}
	var found []entry
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		found = append(found, entry{tick, filepath.Join(dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].tick < found[j].tick })
	paths := make([]string, len(found))
	for i, e := range found {
		paths[i] = e.path
	}
	return paths, nil
}

func printJSON(out io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(out, string(b))
}
