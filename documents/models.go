// Package documents manages organization documents: metadata in the
// relational store, content in the object store, with child pages and
// structured extractions. OCR and embedding are the external AI
// collaborator's job; content is an opaque blob here.
package documents

import (
	"time"

	"github.com/dustin/go-humanize"
)

// DocumentStatus tracks processing progress.
type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentReady      DocumentStatus = "ready"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is an org-owned uploaded file.
type Document struct {
	ID             string         `gorm:"primaryKey;size:36"`
	OrganizationID string         `gorm:"size:36;index"`
	Name           string         `gorm:"size:255;index"`
	StoragePath    string         `gorm:"size:512"`
	SizeBytes      int64
	Checksum       string         `gorm:"size:64;index"` // SHA-256 of content
	MimeType       string         `gorm:"size:100"`
	Status         DocumentStatus `gorm:"size:20;index"`
	PageCount      int
	UploadedBy     string `gorm:"size:36"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HumanSize renders the document size for listings.
func (d *Document) HumanSize() string {
	return humanize.Bytes(uint64(d.SizeBytes))
}

// Page is one ordered page of a document.
type Page struct {
	ID         string `gorm:"primaryKey;size:36"`
	DocumentID string `gorm:"size:36;uniqueIndex:idx_pages_doc_number"`
	PageNumber int    `gorm:"uniqueIndex:idx_pages_doc_number"`
	Text       string
	CreatedAt  time.Time
}

// TableName keeps the table name stable.
func (Page) TableName() string { return "document_pages" }

// Extraction is a structured-data blob extracted from a document, tagged
// with its extraction type.
type Extraction struct {
	ID             string                 `gorm:"primaryKey;size:36"`
	DocumentID     string                 `gorm:"size:36;index"`
	ExtractionType string                 `gorm:"size:100;index"`
	Data           map[string]interface{} `gorm:"serializer:json"`
	CreatedAt      time.Time
}

// TableName keeps the table name stable.
func (Extraction) TableName() string { return "document_extractions" }
