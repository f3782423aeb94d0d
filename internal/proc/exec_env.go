package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// nodeShebang is the interpreter line that marks a Node.js launcher script.
// Agent CLIs published to npm ship this way; the script itself is not
// directly executable on hosts where env cannot find node.
const nodeShebang = "#!/usr/bin/env node"

// nodeSearchPrefixes are well-known install locations scanned for a node
// binary after the executable's own directories.
var nodeSearchPrefixes = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
	"/opt/local/bin",
}

// ResolvedCommand is the concrete program and argument list to launch after
// symlink and shebang resolution.
type ResolvedCommand struct {
	Program string
	Args    []string
	// ExeDir is the directory of the originally requested executable; it is
	// prepended to the child's PATH so sibling helper binaries resolve.
	ExeDir string
}

// ResolveCommand inspects the executable path and decides how to launch it.
// A symlink is followed one level. A Node.js launcher script is run through
// an explicitly located node interpreter with the script as first argument.
func ResolveCommand(path string, args []string) (ResolvedCommand, error) {
	resolved := path
	if target, err := os.Readlink(path); err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		resolved = target
	}

	rc := ResolvedCommand{Program: path, Args: args, ExeDir: filepath.Dir(path)}

	head, err := readHead(resolved, 64)
	if err != nil {
		return rc, fmt.Errorf("inspect executable %s: %w", resolved, err)
	}
	if !strings.HasPrefix(string(head), nodeShebang) {
		return rc, nil
	}

	node, err := findNode(filepath.Dir(path), filepath.Dir(resolved))
	if err != nil {
		return rc, err
	}
	rc.Program = node
	rc.Args = append([]string{resolved}, args...)
	return rc, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read == 0 && err != nil {
		return nil, err
	}
	return buf[:read], nil
}

// findNode scans the executable's directory, the resolved path's directory,
// then the well-known prefixes for a node binary.
func findNode(dirs ...string) (string, error) {
	seen := make(map[string]bool)
	candidates := append([]string{}, dirs...)
	candidates = append(candidates, nodeSearchPrefixes...)
	for _, dir := range candidates {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		candidate := filepath.Join(dir, "node")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("node interpreter not found for env-node script (searched %s)",
		strings.Join(candidates, ", "))
}

// BuildEnv assembles the child environment: the login-shell snapshot as the
// base, caller overrides on top, PWD/OLDPWD when a working directory is set,
// and PATH prefixed with the executable's directory.
func BuildEnv(snapshot map[string]string, overrides map[string]string, cwd, exeDir string) []string {
	env := make(map[string]string, len(snapshot)+len(overrides)+2)
	for k, v := range snapshot {
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	if cwd != "" {
		if old, ok := env["PWD"]; ok {
			env["OLDPWD"] = old
		}
		env["PWD"] = cwd
	}
	if exeDir != "" {
		if path, ok := env["PATH"]; ok && path != "" {
			if !pathContains(path, exeDir) {
				env["PATH"] = exeDir + string(os.PathListSeparator) + path
			}
		} else {
			env["PATH"] = exeDir
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func pathContains(path, dir string) bool {
	for _, p := range strings.Split(path, string(os.PathListSeparator)) {
		if p == dir {
			return true
		}
	}
	return false
}
