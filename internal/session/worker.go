package session

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
)

// workerSource is the Python program run on the far side of the channel.
//
//go:embed worker.py
var workerSource []byte

// WorkerFilename is the name the worker program is written under.
const WorkerFilename = "cellrun_worker.py"

// WriteWorker writes the embedded worker program into dir and returns its path.
func WriteWorker(dir string) (string, error) {
	path := filepath.Join(dir, WorkerFilename)
	if err := os.WriteFile(path, workerSource, 0o644); err != nil {
		return "", fmt.Errorf("write worker: %w", err)
	}
	return path, nil
}
