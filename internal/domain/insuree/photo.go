package insuree

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/imis/insuree/internal/platform/auth"
	"github.com/imis/insuree/internal/platform/blobstore"
)

// photoReadConcurrency bounds parallel blob reads when loading photos.
const photoReadConcurrency = 8

// storePhoto saves p as the photo of ins and points ins at it. An existing
// photo row is versioned and rewritten. With a blob store the image is
// written to a file; otherwise it is kept inline.
func (s *Service) storePhoto(ctx context.Context, ins *Insuree, p *PhotoInput) error {
	if p == nil {
		return nil
	}
	now := s.now()
	date := now
	if p.Date != nil && !p.Date.IsZero() {
		date = p.Date.Time
	}
	photo := &Photo{
		InsureeID:    &ins.ID,
		CHFID:        &ins.CHFID,
		OfficerID:    p.OfficerID,
		Date:         &date,
		ValidityFrom: now,
		AuditUserID:  auth.AuditUserIDFromContext(ctx),
	}

	switch {
	case p.Photo != "":
		content, err := base64.StdEncoding.DecodeString(p.Photo)
		if err != nil {
			return invalid("photo must be base64 encoded")
		}
		if _, err := blobstore.CheckContent(content); err != nil {
			return invalid("photo: " + err.Error())
		}
		if s.blobs == nil {
			photo.Photo = &p.Photo
			break
		}
		folder, name := p.Folder, p.Filename
		if folder == "" {
			folder = date.Format("2006/01")
		}
		if name == "" {
			name = uuid.NewString()
		}
		if err := s.blobs.Put(ctx, folder, name, content); err != nil {
			return fmt.Errorf("store photo file: %w", err)
		}
		photo.Folder, photo.Filename = &folder, &name
	case p.Filename != "":
		folder, name := p.Folder, p.Filename
		photo.Folder, photo.Filename = &folder, &name
	default:
		return invalid("photo requires content or a file name")
	}

	if ins.PhotoID != nil {
		existing, err := s.photos.GetByID(ctx, *ins.PhotoID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return fmt.Errorf("load current photo: %w", err)
		default:
			if err := s.photos.SaveHistory(ctx, existing); err != nil {
				return fmt.Errorf("save photo history: %w", err)
			}
			photo.ID, photo.UUID = existing.ID, existing.UUID
			if err := s.photos.Update(ctx, photo); err != nil {
				return fmt.Errorf("update photo: %w", err)
			}
			ins.PhotoDate = &date
			return nil
		}
	}
	if err := s.photos.Create(ctx, photo); err != nil {
		return fmt.Errorf("create photo: %w", err)
	}
	ins.PhotoID = &photo.ID
	ins.PhotoDate = &date
	return nil
}

// photoContent returns the decoded image of p, inline or from the blob store.
func (s *Service) photoContent(ctx context.Context, p *Photo) ([]byte, error) {
	if p.Photo != nil && *p.Photo != "" {
		content, err := base64.StdEncoding.DecodeString(*p.Photo)
		if err != nil {
			return nil, fmt.Errorf("decode photo %d: %w", p.ID, err)
		}
		return content, nil
	}
	if s.blobs == nil || p.Filename == nil || *p.Filename == "" {
		return nil, ErrPhotoNotStored
	}
	folder := ""
	if p.Folder != nil {
		folder = *p.Folder
	}
	content, err := s.blobs.Get(ctx, folder, *p.Filename)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, ErrPhotoNotStored
	}
	return content, err
}

// InsureePhoto returns the image of an insuree's current photo and its
// content type.
func (s *Service) InsureePhoto(ctx context.Context, id uuid.UUID) ([]byte, string, error) {
	ins, err := s.GetInsuree(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if ins.PhotoID == nil {
		return nil, "", ErrNotFound
	}
	p, err := s.photos.GetByID(ctx, *ins.PhotoID)
	if err != nil {
		return nil, "", err
	}
	content, err := s.photoContent(ctx, p)
	if err != nil {
		return nil, "", err
	}
	return content, http.DetectContentType(content), nil
}

// LoadPhotos sets Photo on each insuree that has one, with the image inlined
// as base64. Files are read from the blob store in parallel.
func (s *Service) LoadPhotos(ctx context.Context, insurees []*Insuree) error {
	var ids []int
	for _, ins := range insurees {
		if ins.PhotoID != nil {
			ids = append(ids, *ins.PhotoID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	photos, err := s.photos.GetByIDs(ctx, uniqueIDs(ids))
	if err != nil {
		return fmt.Errorf("load photos: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(photoReadConcurrency)
	for _, p := range photos {
		if p.Photo != nil || s.blobs == nil || p.Filename == nil {
			continue
		}
		p := p
		g.Go(func() error {
			content, err := s.photoContent(gctx, p)
			if errors.Is(err, ErrPhotoNotStored) {
				return nil
			}
			if err != nil {
				return err
			}
			encoded := base64.StdEncoding.EncodeToString(content)
			p.Photo = &encoded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("read photo files: %w", err)
	}

	byID := make(map[int]*Photo, len(photos))
	for _, p := range photos {
		byID[p.ID] = p
	}
	for _, ins := range insurees {
		if ins.PhotoID != nil {
			ins.Photo = byID[*ins.PhotoID]
		}
	}
	return nil
}
