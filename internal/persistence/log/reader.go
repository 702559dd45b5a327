package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"gridworld.ai/internal/observerproto"
)

// ErrStop ends ReadSteps early without an error.
var ErrStop = errors.New("stop")

// StepSegments lists the step log segments under runDir in write order.
func StepSegments(runDir string) ([]string, error) {
	dir := filepath.Join(runDir, "steps")
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range ents {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "steps-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadSteps calls fn for every logged step under runDir, oldest first.
// Returning ErrStop from fn ends the walk.
func ReadSteps(runDir string, fn func(observerproto.TickMsg) error) error {
	files, err := StepSegments(runDir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := readSegment(path, fn); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func readSegment(path string, fn func(observerproto.TickMsg) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var msg observerproto.TickMsg
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return sc.Err()
}
