package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	APIKeyHeader = "X-Oopsie-Key"
	reportsPath  = "/api/v1/reports"
)

// ErrTransient marks a delivery attempt that failed before the server answered.
var ErrTransient = errors.New("transient delivery failure")

type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

func NewClient(serverURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		serverURL:  strings.TrimRight(strings.TrimSpace(serverURL), "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// SendReport posts the payload and reports whether the server accepted it. A
// non-2xx answer is (false, nil); only transport failures return an error.
func (c *Client) SendReport(ctx context.Context, payload ReportPayload, attachments []Attachment) (bool, error) {
	body, contentType, err := encodeReport(payload, attachments)
	if err != nil {
		return false, fmt.Errorf("encode report: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+reportsPath, body)
	if err != nil {
		return false, fmt.Errorf("build report request: %w", err)
	}
	request.Header.Set(APIKeyHeader, c.apiKey)
	request.Header.Set("Content-Type", contentType)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))

	return response.StatusCode >= 200 && response.StatusCode < 300, nil
}

func encodeReport(payload ReportPayload, attachments []Attachment) (io.Reader, string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}

	if len(attachments) == 0 {
		return bytes.NewReader(encoded), "application/json", nil
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	if err := writer.WriteField("data", string(encoded)); err != nil {
		return nil, "", err
	}

	for _, attachment := range attachments {
		contentType := attachment.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(attachment.Data)
		}

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[]"; filename=%q`, attachment.Filename))
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(attachment.Data); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}
