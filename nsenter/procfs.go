package nsenter

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// maxMapToolArgs bounds how many whitespace-delimited tokens the uid/gid
// map reformatter will pass to newuidmap/newgidmap. Spec.md asks for "at
// least 16"; real mapping lists are a handful of triples, so 64 gives
// ample headroom without an unbounded argv.
const maxMapToolArgs = 64

// writeSetgroups writes the setgroups(2) policy file for pid. ENOENT
// (older kernels without the file) is tolerated silently; anything else
// is fatal.
func writeSetgroups(pid int, allow bool) error {
	policy := "deny"
	if allow {
		policy = "allow"
	}
	path := fmt.Sprintf("/proc/%d/setgroups", pid)
	if err := os.WriteFile(path, []byte(policy), 0644); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeIDMap writes data to /proc/<pid>/{uid,gid}_map. On EPERM it falls
// back to the external newuidmap/newgidmap helper named by toolPath,
// reformatting data into whitespace-separated argv tokens. Failure of
// both paths, or an EPERM with no configured tool, is fatal.
func writeIDMap(pid int, kind string, data []byte, toolPath string) error {
	if len(data) == 0 {
		return nil
	}

	path := fmt.Sprintf("/proc/%d/%s_map", pid, kind)
	err := os.WriteFile(path, data, 0644)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("write %s: %w", path, err)
	}

	if toolPath == "" {
		return fmt.Errorf("write %s: %w (no %s-map helper configured)", path, err, kind)
	}

	tokens := tokenizeMap(data)
	args := append([]string{strconv.Itoa(pid)}, tokens...)
	cmd := exec.Command(toolPath, args...)
	if out, runErr := cmd.CombinedOutput(); runErr != nil {
		return fmt.Errorf("%s %s: %w: %s", toolPath, strconv.Itoa(pid), runErr, out)
	}
	return nil
}

// tokenizeMap splits a (possibly multi-line) map buffer into
// whitespace-delimited argv tokens, rejecting nothing syntactically and
// stopping once maxMapToolArgs tokens have been collected.
func tokenizeMap(data []byte) []string {
	fields := strings.Fields(string(data))
	if len(fields) > maxMapToolArgs {
		fields = fields[:maxMapToolArgs]
	}
	return fields
}

// writeOomScoreAdj writes data to path. Any failure is fatal.
func writeOomScoreAdj(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// parseFd parses the decimal file descriptor number carried by an
// environment variable such as EnvInitPipe or EnvLogPipe.
func parseFd(v string) (int, error) {
	fd, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid fd %q: %w", v, err)
	}
	if fd < 0 {
		return 0, fmt.Errorf("invalid fd %q: negative", v)
	}
	return fd, nil
}
