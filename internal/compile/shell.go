package compile

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// shellSafe matches tokens that need no quoting in a POSIX shell.
var shellSafe = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

// shellQuote quotes one token for a POSIX shell. Safe tokens pass through
// unchanged; everything else is wrapped in single quotes, with embedded
// single quotes spliced out.
func shellQuote(token string) string {
	if token == "" {
		return "''"
	}
	if shellSafe.MatchString(token) {
		return token
	}
	return "'" + strings.ReplaceAll(token, "'", `'"'"'`) + "'"
}

// shellJoin renders tokens as one command line, each token quoted.
func shellJoin(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, token := range tokens {
		quoted[i] = shellQuote(token)
	}
	return strings.Join(quoted, " ")
}

// scriptWriter accumulates the generated script and marks it executable
// when closed.
type scriptWriter struct {
	file     *os.File
	buf      *bufio.Writer
	path     string
	commands int
}

func createScript(path string) (*scriptWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return &scriptWriter{file: f, buf: bufio.NewWriter(f), path: path}, nil
}

// Line writes one raw line.
func (s *scriptWriter) Line(text string) {
	s.buf.WriteString(text)
	s.buf.WriteByte('\n')
}

// Command writes one external command, counting it.
func (s *scriptWriter) Command(tokens ...string) {
	s.CommandText(shellJoin(tokens))
}

// CommandText writes an already rendered command line, counting it.
func (s *scriptWriter) CommandText(text string) {
	s.Line(text)
	s.commands++
}

// Close flushes the script and adds owner and group execute bits.
func (s *scriptWriter) Close() error {
	if err := s.buf.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to write output script: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to write output script: %w", err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to mark script executable: %w", err)
	}
	if err := os.Chmod(s.path, info.Mode()|0o110); err != nil {
		return fmt.Errorf("failed to mark script executable: %w", err)
	}
	return nil
}
