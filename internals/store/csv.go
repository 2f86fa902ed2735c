package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// CSVStore keeps products in a single CSV file with a header row.
//
// Every operation reads the whole file; mutations rewrite it through a temp
// file and rename. mu serializes the read-modify-write cycles of concurrent
// workers, other processes writing the same file are not coordinated with.
type CSVStore struct {
	path string
	mu   sync.Mutex
}

func NewCSVStore(path string) *CSVStore {
	return &CSVStore{path: path}
}

func (s *CSVStore) Path() string { return s.path }

func (s *CSVStore) Add(_ context.Context, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	products, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range products {
		if products[i].ID == p.ID {
			products[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		products = append(products, p)
	}

	if err := s.save(products); err != nil {
		return err
	}
	log.WithFields(log.Fields{"id": p.ID, "name": p.Name, "replaced": replaced}).Debug("product saved")
	return nil
}

func (s *CSVStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	products, err := s.load()
	if err != nil {
		return err
	}

	kept := products[:0]
	for _, p := range products {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	removed := len(products) - len(kept)
	if removed == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	if err := s.save(kept); err != nil {
		return err
	}
	log.WithFields(log.Fields{"name": name, "removed": removed}).Debug("products deleted")
	return nil
}

func (s *CSVStore) List(_ context.Context) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load treats a missing file as an empty table
func (s *CSVStore) load() ([]Product, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open products file: %w", err)
	}
	defer f.Close()

	products, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return products, nil
}

func (s *CSVStore) save(products []Product) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create products dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".products-*.csv")
	if err != nil {
		return fmt.Errorf("create temp products file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, products, true); err != nil {
		tmp.Close()
		return fmt.Errorf("write products: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write products: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace products file: %w", err)
	}
	return nil
}
