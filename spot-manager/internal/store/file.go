package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ianwong123/spot-manager/spot-manager/internal/provider"
)

// File keeps prices and the backoff table as JSON documents
type File struct {
	PricePath   string
	BackoffPath string
}

func NewFile(pricePath, backoffPath string) *File {
	return &File{PricePath: pricePath, BackoffPath: backoffPath}
}

type backoffRecord struct {
	InstanceType string    `json:"instance_type"`
	LastFailure  time.Time `json:"last_failure"`
}

func (f *File) LoadPrices(ctx context.Context) ([]provider.PriceSample, error) {
	var out []provider.PriceSample
	if err := readJSON(f.PricePath, &out); err != nil {
		return nil, err
	}
	sortSamples(out)
	return out, nil
}

func (f *File) SavePrices(ctx context.Context, samples []provider.PriceSample) error {
	return writeJSON(f.PricePath, samples)
}

func (f *File) LoadBackoff(ctx context.Context) (map[string]time.Time, error) {
	var records []backoffRecord
	if err := readJSON(f.BackoffPath, &records); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(records))
	for _, r := range records {
		out[r.InstanceType] = r.LastFailure
	}
	return out, nil
}

func (f *File) SaveBackoff(ctx context.Context, records map[string]time.Time) error {
	existing, err := f.LoadBackoff(ctx)
	if err != nil {
		return err
	}
	for k, t := range records {
		existing[k] = t
	}
	list := make([]backoffRecord, 0, len(existing))
	for k, t := range existing {
		list = append(list, backoffRecord{InstanceType: k, LastFailure: t})
	}
	return writeJSON(f.BackoffPath, list)
}

// readJSON leaves v untouched when path does not exist
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// writeJSON replaces path atomically
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
