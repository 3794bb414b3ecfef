// Package sentinel handles presence-style marker files: a file whose mere
// existence communicates a boolean event between independently polling
// processes.
package sentinel

import (
	"os"
	"path/filepath"
	"time"
)

// DispatchDoneName is the marker the dispatcher writes under the outputs
// directory once the pool has stayed empty past its idle threshold. Workers
// combine its presence with an empty queue to exit.
const DispatchDoneName = "dispatcher.done"

// Write creates the marker atomically (temp name then rename) with the
// current timestamp as content. Writing an already present marker is
// harmless.
func Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Present reports whether the marker exists.
func Present(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
