package penguin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// systemPaths are never writable, whatever the mode. Reads are also
// denied: the model has no business in these trees.
var systemPaths = []string{
	"/etc", "/sys", "/proc", "/dev", "/boot",
	"/usr/bin", "/usr/sbin", "/bin", "/sbin",
	"/var/run", "/root/.ssh",
}

// sensitivePatterns match resources that require approval even inside
// the workspace.
var sensitivePatterns = []string{
	".env*", "**/.env*",
	"*.pem", "**/*.pem",
	"*.key", "**/*.key",
	".ssh/*", "**/.ssh/*",
	"id_rsa*", "**/id_rsa*",
	"*credentials*", "**/*credentials*",
	"*secret*", "**/*secret*",
}

// safeReadCommands are shell binaries the READ_ONLY mode accepts as
// non-mutating. Git is handled separately: only its read subcommands pass.
var safeReadCommands = map[string]bool{
	"grep": true, "find": true, "cat": true, "head": true, "tail": true,
	"ls": true, "tree": true, "wc": true, "rg": true, "pwd": true,
	"echo": true, "file": true, "stat": true, "which": true, "du": true,
}

// gitReadSubcommands are git subcommands treated as reads.
var gitReadSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true,
	"branch": true, "blame": true, "ls-files": true, "remote": true,
}

// isSafeReadCommand reports whether a shell command only reads. The check
// is on the first token (and second for git); pipes or substitutions make
// a command unsafe.
func isSafeReadCommand(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	if strings.ContainsAny(command, "|;&><`$") {
		return false
	}
	fields := strings.Fields(command)
	name := filepath.Base(fields[0])
	if safeReadCommands[name] {
		return true
	}
	if name == "git" && len(fields) > 1 {
		return gitReadSubcommands[fields[1]]
	}
	return false
}

// NormalizePath expands ~, resolves to absolute, and rejects inputs that
// contain a null byte or whose ".." components escape the starting
// directory. Symlinks whose target escapes base are rejected unless
// followSymlinks is true.
func NormalizePath(path, base string, followSymlinks bool) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", &ErrPathTraversal{Path: path}
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		// A relative input whose ".." components climb out of the base
		// directory is a traversal attempt even when the joined result
		// is a valid path.
		if escapesBase(path) {
			return "", &ErrPathTraversal{Path: path}
		}
		path = filepath.Join(base, path)
	}
	clean := filepath.Clean(path)

	if target, err := filepath.EvalSymlinks(clean); err == nil && target != clean {
		if !followSymlinks && base != "" && !within(target, base) {
			return "", &ErrPathTraversal{Path: path}
		}
	}
	return clean, nil
}

// within reports whether path is inside root (or equal to it).
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../"))
}

// escapesBase reports whether a relative path's ".." components climb out
// of the base directory before cleaning.
func escapesBase(path string) bool {
	depth := 0
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		switch part {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

// WorkspaceBoundaryPolicy confines filesystem resources to the workspace
// root, the project root, and an explicit allowlist. It denies system
// paths outright, asks for sensitive patterns, and in READ_ONLY denies
// every non-read operation except safe shell commands. Deletes always
// ask in WORKSPACE mode.
type WorkspaceBoundaryPolicy struct {
	WorkspaceRoot  string
	ProjectRoot    string
	AllowedPaths   []string
	DeniedPatterns []string
	// ApprovalPatterns extend the built-in sensitive set with
	// operator-configured globs that route to approval.
	ApprovalPatterns []string
	Mode             PermissionMode
	FollowSymlinks   bool
}

var _ Policy = (*WorkspaceBoundaryPolicy)(nil)

// Name implements Policy.
func (p *WorkspaceBoundaryPolicy) Name() string { return "workspace_boundary" }

// Priority implements Policy. The boundary runs before everything else.
func (p *WorkspaceBoundaryPolicy) Priority() int { return 100 }

// Check implements Policy.
func (p *WorkspaceBoundaryPolicy) Check(_ context.Context, operation, resource string, cc CheckContext) (PermissionResult, string) {
	// Read-only gate applies to every operation kind.
	if p.Mode == ModeReadOnly && !isReadOperation(operation, cc) {
		return ResultDeny, "read-only mode: operation not permitted"
	}

	if !isFilesystemOp(operation) {
		return ResultAllow, ""
	}

	if strings.ContainsRune(resource, 0) {
		return ResultDeny, "resource contains a null byte"
	}
	if !filepath.IsAbs(resource) && escapesBase(resource) {
		return ResultDeny, "path escapes the working directory"
	}

	path, err := NormalizePath(resource, p.WorkspaceRoot, p.FollowSymlinks)
	if err != nil {
		return ResultDeny, err.Error()
	}

	for _, sys := range systemPaths {
		if within(path, sys) {
			if operation == "filesystem.read" && p.Mode == ModeFull {
				return ResultAllow, ""
			}
			return ResultDeny, "system path '" + path + "' is not writable"
		}
	}

	askPatterns := append(append(append([]string(nil), sensitivePatterns...), p.DeniedPatterns...), p.ApprovalPatterns...)
	for _, pat := range askPatterns {
		if globMatch(pat, path) || globMatch(pat, filepath.Base(path)) || globMatch(pat, relTo(path, p.WorkspaceRoot)) {
			return ResultAsk, "sensitive pattern '" + pat + "' requires approval"
		}
	}

	inBounds := within(path, p.WorkspaceRoot) ||
		(p.ProjectRoot != "" && within(path, p.ProjectRoot)) ||
		globMatchAny(p.AllowedPaths, path)
	if !inBounds {
		if p.Mode == ModeFull {
			return ResultAsk, "outside workspace; approval required in FULL mode"
		}
		return ResultDeny, "path '" + path + "' is outside the workspace"
	}

	if operation == "filesystem.delete" && p.Mode == ModeWorkspace {
		return ResultAsk, "deletes require approval in WORKSPACE mode"
	}

	return ResultAllow, ""
}

// relTo returns path relative to root, or the path unchanged when it is
// not inside root.
func relTo(path, root string) string {
	if root == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
