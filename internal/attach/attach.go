// Package attach validates, uploads and records message attachments before
// they are linked to a post.
package attach

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"huddle/api/internal/blob"
	"huddle/api/internal/logger"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const DefaultMaxBytes int64 = 5 * 1024 * 1024

var (
	ErrTooLarge       = errors.New("file exceeds the size limit")
	ErrEmpty          = errors.New("file is empty or has an unknown size")
	ErrTypeNotAllowed = errors.New("file type is not allowed")
)

// ValidationError reports why a single file was refused. Nothing is uploaded
// for a file that fails validation.
type ValidationError struct {
	File string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// File is an attachment candidate. Open is only called after validation passes.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Recorder persists staged attachment metadata.
type Recorder interface {
	InsertAttachment(ctx context.Context, a store.Attachment) (store.Attachment, error)
}

type Pipeline struct {
	blobs    blob.Store
	records  Recorder
	maxBytes int64
	now      func() time.Time
}

func New(blobs blob.Store, records Recorder, maxBytes int64) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Pipeline{blobs: blobs, records: records, maxBytes: maxBytes, now: time.Now}
}

// Validate checks size and MIME type and returns the normalised media type.
func Validate(f File, maxBytes int64) (string, error) {
	if f.Size <= 0 {
		return "", &ValidationError{File: f.Name, Err: ErrEmpty}
	}
	if f.Size > maxBytes {
		return "", &ValidationError{File: f.Name, Err: fmt.Errorf("%w (%d > %d bytes)", ErrTooLarge, f.Size, maxBytes)}
	}
	mediaType := detectMediaType(f)
	if !allowedType(mediaType) {
		if mediaType == "" {
			mediaType = "unknown"
		}
		return "", &ValidationError{File: f.Name, Err: fmt.Errorf("%w: %s", ErrTypeNotAllowed, mediaType)}
	}
	return mediaType, nil
}

func detectMediaType(f File) string {
	value := strings.TrimSpace(f.ContentType)
	if value == "" || value == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name))); byExt != "" {
			value = byExt
		}
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

func allowedType(mediaType string) bool {
	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"):
		return len(mediaType) > strings.Index(mediaType, "/")+1
	case mediaType == "application/pdf", mediaType == "text/plain":
		return true
	default:
		return false
	}
}

// Stage validates f, uploads it and records it as a staged attachment owned
// by uploaderID.
func (p *Pipeline) Stage(ctx context.Context, uploaderID string, f File) (store.Attachment, error) {
	mediaType, err := Validate(f, p.maxBytes)
	if err != nil {
		return store.Attachment{}, err
	}

	body, err := f.Open()
	if err != nil {
		return store.Attachment{}, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer body.Close()

	name := ObjectName(p.now(), uploaderID, f.Name, mediaType)
	obj, err := p.blobs.Put(ctx, name, io.LimitReader(body, f.Size), f.Size, mediaType)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	url, err := p.blobs.URL(ctx, obj)
	if err != nil {
		return store.Attachment{}, fmt.Errorf("resolve url for %s: %w", f.Name, err)
	}

	return p.records.InsertAttachment(ctx, store.Attachment{
		ID:         util.NewID("att"),
		UploaderID: uploaderID,
		FileName:   displayName(f.Name),
		MIMEType:   mediaType,
		Size:       f.Size,
		ObjectName: obj.Name,
		URL:        url,
	})
}

// Result is the outcome for one file of StageAll.
type Result struct {
	File       string
	Attachment store.Attachment
	Err        error
}

// StageAll stages files concurrently. Each file succeeds or fails on its own;
// a failure never undoes a sibling. Results keep the input order.
func (p *Pipeline) StageAll(ctx context.Context, uploaderID string, files []File) []Result {
	results := make([]Result, len(files))
	var wg sync.WaitGroup
	for i, f := range files {
		results[i].File = f.Name
		wg.Add(1)
		go func(i int, f File) {
			defer wg.Done()
			a, err := p.Stage(ctx, uploaderID, f)
			results[i].Attachment = a
			results[i].Err = err
			if err != nil {
				logger.Info("attachment_rejected", "file", f.Name, "uploader_id", uploaderID, "error", err)
			}
		}(i, f)
	}
	wg.Wait()
	return results
}

// ObjectName builds "<UTC timestamp>-<digest>.<ext>". The digest mixes the
// uploader, file name, clock and random bytes so concurrent uploads of the
// same file never collide.
func ObjectName(at time.Time, uploaderID, fileName, mediaType string) string {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	h, _ := blake2b.New(16, nil)
	_, _ = io.WriteString(h, uploaderID+"\x00"+fileName+"\x00"+strconv.FormatInt(at.UnixNano(), 10)+"\x00")
	_, _ = h.Write(salt)
	return at.UTC().Format("20060102T150405.000Z") + "-" + hex.EncodeToString(h.Sum(nil)) + "." + extension(fileName, mediaType)
}

func extension(fileName, mediaType string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if clean := sanitizeExt(ext); clean != "" {
		return clean
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		if clean := sanitizeExt(strings.TrimPrefix(exts[0], ".")); clean != "" {
			return clean
		}
	}
	return "bin"
}

func sanitizeExt(ext string) string {
	if ext == "" || len(ext) > 10 {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

const maxNameBytes = 255

func displayName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return "attachment"
	}
	if len(name) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return strings.ToValidUTF8(name, "")
}
