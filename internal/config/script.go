package config

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// scriptedExt marks a config file as a template to be executed rather
// than parsed directly (spec.md §6, "Scripted configuration").
const scriptedExt = ".tmpl"

// renderIfScripted executes path and returns its captured stdout when the
// filename indicates a scripted template; otherwise it returns the file's
// raw contents unchanged. Mirrors the teacher's ExecSpawner technique
// (os/exec, captured output) rather than embedding a templating engine.
func renderIfScripted(path string, raw []byte) ([]byte, error) {
	if !strings.HasSuffix(path, scriptedExt) {
		return raw, nil
	}

	cmd := exec.Command(path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("scripted config %s failed: %w: %s", path, err, stderr.String())
	}

	return stdout.Bytes(), nil
}
