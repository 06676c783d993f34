package lspproto

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

// FileURI converts an absolute filesystem path to a file:// URI.
func FileURI(path string) string {
	return string(uri.File(path))
}

// FilePath converts a file:// URI back to a filesystem path.
func FilePath(u string) string {
	return uri.URI(u).Filename()
}

// CanonicalWorkspace resolves symlinks and strips trailing separators from a
// workspace path, per spec §4.4's keying rule. Falls back to a cleaned,
// absolute form if symlink resolution fails (e.g. the directory does not yet
// exist).
func CanonicalWorkspace(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return filepath.Clean(resolved), nil
}

// extensionLanguages maps a lowercased file extension to an LSP languageId,
// used for didOpen's languageId field and by the pool's getForFile.
var extensionLanguages = map[string]string{
	".go":    "go",
	".ts":    "typescript",
	".tsx":   "typescriptreact",
	".js":    "javascript",
	".jsx":   "javascriptreact",
	".py":    "python",
	".rs":    "rust",
	".rb":    "ruby",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".kt":    "kotlin",
	".swift": "swift",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".md":    "markdown",
}

// LanguageIDForPath derives an LSP languageId from a file path's extension.
// Returns ("", false) if the extension is not mapped.
func LanguageIDForPath(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := extensionLanguages[ext]
	return lang, ok
}

// LanguageIDForURI is the file:// URI form of LanguageIDForPath.
func LanguageIDForURI(u string) (string, bool) {
	return LanguageIDForPath(FilePath(u))
}
