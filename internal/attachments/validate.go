package attachments

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
)

const DefaultMaxBytes = 10 * 1024 * 1024

var (
	ErrTooLarge       = errors.New("attachment too large")
	ErrMIMENotAllowed = errors.New("attachment type not allowed")
	ErrEmpty          = errors.New("attachment is empty")
)

var allowedMime = map[string]bool{
	"image/png":        true,
	"image/jpeg":       true,
	"image/gif":        true,
	"image/webp":       true,
	"image/svg+xml":    true,
	"application/pdf":  true,
	"text/plain":       true,
	"text/csv":         true,
	"application/json": true,
	"video/mp4":        true,
	"video/webm":       true,
}

// Upload is one file received with a report.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

func AllowedMIME(mimeType string) bool {
	return allowedMime[mimeType]
}

// DetectMIME resolves the stored content type: the declared type when given,
// otherwise the sniffed one. Content that sniffs as HTML is always refused.
func DetectMIME(declared string, head []byte) (string, error) {
	detected := http.DetectContentType(head)
	if strings.HasPrefix(detected, "text/html") {
		return "", fmt.Errorf("%w: html content", ErrMIMENotAllowed)
	}

	mimeType := normalizeMIME(declared)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMIME(detected)
	}
	if !allowedMime[mimeType] {
		return "", fmt.Errorf("%w: %s", ErrMIMENotAllowed, mimeType)
	}
	return mimeType, nil
}

// Validate checks size and type and returns the resolved MIME type.
func Validate(upload Upload, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(upload.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmpty, upload.Filename)
	}
	if int64(len(upload.Data)) > maxBytes {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, upload.Filename, len(upload.Data), maxBytes)
	}

	head := upload.Data
	if len(head) > 512 {
		head = head[:512]
	}
	return DetectMIME(upload.ContentType, head)
}

// CleanFilename strips directories and characters that would break object
// paths.
func CleanFilename(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == '/', r == ':':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}

// ObjectPath namespaces a file under its report.
func ObjectPath(reportID, fileID, filename string) string {
	return "reports/" + reportID + "/" + fileID + "_" + CleanFilename(filename)
}

func normalizeMIME(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return strings.ToLower(mediaType)
}
