// Package source reads trait lists and pre-recorded votes from disk.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"traitconsensus/internal/domain"
	"traitconsensus/internal/preprocess"
)

// ReadTraitsCSV returns the first column of a CSV file, skipping the header
// row and blank cells.
func ReadTraitsCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open traits: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var traits []string
	header := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read traits %s: %w", path, err)
		}
		if header {
			header = false
			continue
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		traits = append(traits, rec[0])
	}
	return traits, nil
}

// WriteTraitsCSV writes traits under a single "trait" column.
func WriteTraitsCSV(path string, traits []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"trait"}); err != nil {
		f.Close()
		return err
	}
	for _, t := range traits {
		if err := w.Write([]string{t}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadItems reads, normalizes and deduplicates a traits CSV into items.
func LoadItems(path string) ([]domain.Item, preprocess.Stats, error) {
	raw, err := ReadTraitsCSV(path)
	if err != nil {
		return nil, preprocess.Stats{}, err
	}
	items, stats := preprocess.Items(raw)
	if len(items) == 0 {
		return nil, stats, fmt.Errorf("no traits in %s", path)
	}
	return items, stats, nil
}
