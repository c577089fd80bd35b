package documents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowmatic.io/apperr"
)

// Service uploads, reads, and deletes documents: metadata rows in the
// relational store, content in the object store.
type Service struct {
	db    *gorm.DB
	store ObjectStore
}

// NewService creates a document service.
func NewService(db *gorm.DB, store ObjectStore) *Service {
	return &Service{db: db, store: store}
}

// Upload reads the content, computes its SHA-256 checksum and size,
// stores the blob, and persists the metadata row.
func (s *Service) Upload(ctx context.Context, orgID, name, mimeType, uploadedBy string, content io.Reader) (*Document, error) {
	if name == "" {
		return nil, apperr.Validation("document name is required")
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("document content is empty")
	}

	sum := sha256.Sum256(data)
	doc := &Document{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           name,
		SizeBytes:      int64(len(data)),
		Checksum:       hex.EncodeToString(sum[:]),
		MimeType:       mimeType,
		Status:         DocumentUploaded,
		UploadedBy:     uploadedBy,
	}
	doc.StoragePath = fmt.Sprintf("documents/%s/%s", orgID, doc.ID)

	if err := s.store.Put(ctx, doc.StoragePath, bytes.NewReader(data), mimeType); err != nil {
		return nil, apperr.Internal(err)
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		// Orphaned blob; best-effort cleanup.
		s.store.Delete(ctx, doc.StoragePath)
		return nil, err
	}
	return doc, nil
}

// Get loads a document scoped to an organization.
func (s *Service) Get(orgID, id string) (*Document, error) {
	var doc Document
	err := s.db.First(&doc, "id = ? AND organization_id = ?", id, orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("document %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Content streams a document's blob.
func (s *Service) Content(ctx context.Context, orgID, id string) (io.ReadCloser, *Document, error) {
	doc, err := s.Get(orgID, id)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.store.Get(ctx, doc.StoragePath)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	return body, doc, nil
}

// List returns an organization's documents, newest first.
func (s *Service) List(orgID string, limit, offset int) ([]Document, int64, error) {
	q := s.db.Model(&Document{}).Where("organization_id = ?", orgID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var docs []Document
	err := q.Order("created_at DESC").Find(&docs).Error
	return docs, total, err
}

// Delete removes a document's metadata, pages, extractions, and blob.
func (s *Service) Delete(ctx context.Context, orgID, id string) error {
	doc, err := s.Get(orgID, id)
	if err != nil {
		return err
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Page{}, "document_id = ?", doc.ID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Extraction{}, "document_id = ?", doc.ID).Error; err != nil {
			return err
		}
		return tx.Delete(&Document{}, "id = ?", doc.ID).Error
	})
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, doc.StoragePath)
}

// AddPage appends an ordered page to a document and bumps its page count.
func (s *Service) AddPage(documentID string, pageNumber int, text string) (*Page, error) {
	page := &Page{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		PageNumber: pageNumber,
		Text:       text,
		CreatedAt:  time.Now(),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(page).Error; err != nil {
			return err
		}
		return tx.Model(&Document{}).Where("id = ?", documentID).
			Update("page_count", gorm.Expr("page_count + 1")).Error
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// AddExtraction records a structured extraction for a document.
func (s *Service) AddExtraction(documentID, extractionType string, data map[string]interface{}) (*Extraction, error) {
	extraction := &Extraction{
		ID:             uuid.New().String(),
		DocumentID:     documentID,
		ExtractionType: extractionType,
		Data:           data,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(extraction).Error; err != nil {
		return nil, err
	}
	return extraction, nil
}

// Models returns the models this package migrates.
func Models() []interface{} {
	return []interface{}{&Document{}, &Page{}, &Extraction{}}
}
