// Package store keeps the product records served by /add, /delete and /products.
package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrInvalidRecord = errors.New("invalid product data")
	ErrNotFound      = errors.New("product not found")
)

// Header is the first row of every stored or listed product table
var Header = []string{"id", "name", "price", "quantity"}

type Product struct {
	ID       string
	Name     string
	Price    string
	Quantity string
}

func (p Product) Record() []string {
	return []string{p.ID, p.Name, p.Price, p.Quantity}
}

// ProductStore is what the dispatcher needs from a product backend.
// Add upserts by ID, Delete removes every product with the given name.
type ProductStore interface {
	Add(ctx context.Context, p Product) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Product, error)
}

// ParseProduct reads a request body of the form "id,name,price,quantity".
func ParseProduct(body string) (Product, error) {
	fields := strings.Split(strings.TrimSpace(body), ",")
	if len(fields) != len(Header) {
		return Product{}, fmt.Errorf("%w: want %d fields, got %d", ErrInvalidRecord, len(Header), len(fields))
	}
	return Product{
		ID:       fields[0],
		Name:     fields[1],
		Price:    fields[2],
		Quantity: fields[3],
	}, nil
}

// ParseName pulls the product name out of a delete body, where it is the
// second comma separated field ("_,Widget").
func ParseName(body string) (string, error) {
	fields := strings.Split(strings.TrimSpace(body), ",")
	if len(fields) < 2 || fields[1] == "" {
		return "", fmt.Errorf("%w: no product name in %q", ErrInvalidRecord, body)
	}
	return fields[1], nil
}

func WriteCSV(w io.Writer, products []Product, withHeader bool) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(Header); err != nil {
			return err
		}
	}
	for _, p := range products {
		if err := cw.Write(p.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a product table, skipping the header row when present.
func ReadCSV(r io.Reader) ([]Product, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	products := make([]Product, 0, len(records))
	for i, rec := range records {
		if i == 0 && isHeader(rec) {
			continue
		}
		products = append(products, Product{ID: rec[0], Name: rec[1], Price: rec[2], Quantity: rec[3]})
	}
	return products, nil
}

func isHeader(rec []string) bool {
	for i, h := range Header {
		if rec[i] != h {
			return false
		}
	}
	return true
}
