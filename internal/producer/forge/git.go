package forge

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// GitFetcher resolves refs with `git ls-remote`.
type GitFetcher struct {
	// GitPath is the git binary. Empty means "git" from PATH.
	GitPath string
}

// Fetch runs `git ls-remote <repo> <ref>` and returns the matching object id.
func (g *GitFetcher) Fetch(ctx context.Context, repo, ref string) (string, error) {
	bin := g.GitPath
	if bin == "" {
		bin = "git"
	}

	cmd := exec.CommandContext(ctx, bin, "ls-remote", "--", repo, ref)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", coreerrors.Wrapf(err, "git ls-remote %s %s", repo, ref)
		}
		return "", coreerrors.Wrapf(err, "git ls-remote %s %s: %s", repo, ref, msg)
	}
	return ParseLsRemote(out, ref)
}

// ParseLsRemote picks the object id for ref out of `git ls-remote` output.
// Exact matches win, then refs/heads/<ref>, then refs/tags/<ref> (peeled
// tags preferred), then the first line.
func ParseLsRemote(out []byte, ref string) (string, error) {
	candidates := []string{
		ref,
		"refs/heads/" + ref,
		"refs/tags/" + ref + "^{}",
		"refs/tags/" + ref,
	}

	found := make(map[string]string)
	first := ""
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if first == "" {
			first = fields[0]
		}
		if _, ok := found[fields[1]]; !ok {
			found[fields[1]] = fields[0]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", coreerrors.Wrap(err, "failed to read ls-remote output")
	}

	for _, name := range candidates {
		if rev, ok := found[name]; ok {
			return rev, nil
		}
	}
	if first != "" {
		return first, nil
	}
	return "", coreerrors.NewNotFoundError("ref", ref)
}
