package faq

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one question/answer pair of a knowledge domain.
type Entry struct {
	Question string
	Answer   string
}

// KnowledgePath returns the knowledge source for domain under dir,
// e.g. "<dir>/bank/Bank-knowledge.csv".
func KnowledgePath(dir, domain string) string {
	return filepath.Join(dir, strings.ToLower(domain), domain+"-knowledge.csv")
}

// DomainFromPath returns the domain of a knowledge source path produced by
// KnowledgePath.
func DomainFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	domain := strings.TrimSuffix(base, "-knowledge.csv")
	if domain == base || domain == "" {
		return "", false
	}
	return domain, true
}

// LoadKnowledge reads a ';'-separated question/answer table. The first row
// is a header. Incomplete rows are skipped. A repeated question keeps its
// first position and its last answer.
func LoadKnowledge(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrKnowledgeBaseMissing)
		}
		return nil, fmt.Errorf("failed to open knowledge source: %w", err)
	}
	defer f.Close()

	return parseKnowledge(f)
}

func parseKnowledge(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		entries  []Entry
		position = make(map[string]int)
		header   = true
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse knowledge source: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(record) < 2 {
			continue
		}

		q, a := cleanField(record[0]), cleanField(record[1])
		if q == "" || a == "" {
			continue
		}

		if i, ok := position[q]; ok {
			entries[i].Answer = a
			continue
		}
		position[q] = len(entries)
		entries = append(entries, Entry{Question: q, Answer: a})
	}

	return entries, nil
}

// cleanField trims whitespace and the single quotes learning samples are written with.
func cleanField(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// AppendEntry adds one row to the knowledge source of domain. The source
// must already exist.
func AppendEntry(dir, domain, question, answer string) error {
	path := KnowledgePath(dir, domain)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrKnowledgeBaseMissing)
		}
		return fmt.Errorf("failed to open knowledge source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat knowledge source: %w", err)
	}
	if info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return fmt.Errorf("failed to read knowledge source: %w", err)
		}
		if last[0] != '\n' {
			if _, err := f.WriteString("\n"); err != nil {
				return fmt.Errorf("failed to append to knowledge source: %w", err)
			}
		}
	}

	w := csv.NewWriter(f)
	w.Comma = ';'
	if err := w.Write([]string{strings.TrimSpace(question), strings.TrimSpace(answer)}); err != nil {
		return fmt.Errorf("failed to append to knowledge source: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to append to knowledge source: %w", err)
	}
	return nil
}
