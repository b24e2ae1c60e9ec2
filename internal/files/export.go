package files

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Inventory is the exported form of everything the classifier accepted
type Inventory struct {
	GeneratedAt  time.Time                   `json:"generated_at"`
	Stats        Stats                       `json:"stats"`
	Repositories map[string][]FileDescriptor `json:"repositories"`
	Files        []FileDescriptor            `json:"files"`
}

// Inventory snapshots the classifier state for export
func (c *Classifier) Inventory() Inventory {
	return Inventory{
		GeneratedAt:  time.Now(),
		Stats:        c.Stats(),
		Repositories: c.RepositoryInventory(),
		Files:        c.Files(),
	}
}

// ExportJSON writes the inventory as indented JSON
func (c *Classifier) ExportJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Inventory()); err != nil {
		return fmt.Errorf("failed to encode inventory: %w", err)
	}
	return nil
}

var csvHeader = []string{"url", "filename", "extension", "file_type", "mime_type", "repository_path", "priority", "discovered_at"}

// ExportCSV writes one row per accepted file, header first
func (c *Classifier) ExportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, f := range c.Files() {
		row := []string{
			f.URL,
			f.Filename,
			f.Extension,
			string(f.FileType),
			f.MIMEType,
			f.RepositoryPath,
			fmt.Sprint(Priority(f)),
			f.DiscoveredAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
