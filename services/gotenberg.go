package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"fileconvert/registry"
)

// GotenbergService converts office documents, html and text to PDF through a
// Gotenberg instance.
type GotenbergService struct {
	baseURL string
	client  *http.Client
}

const pdfaConformance = "PDF/A-2b"

// GotenbergInputs are the formats routed to the LibreOffice endpoint.
var GotenbergInputs = []string{"docx", "doc", "odt", "rtf", "txt", "xlsx", "ods", "csv", "pptx", "odp"}

func NewGotenbergService(baseURL string) *GotenbergService {
	return &GotenbergService{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// Register binds the service to every supported input -> pdf pair.
func (g *GotenbergService) Register(r *registry.Registry) error {
	if err := r.RegisterAll(GotenbergInputs, []string{"pdf"}, g); err != nil {
		return err
	}
	return r.Register("html", "pdf", g)
}

// Convert implements registry.Converter. Option "pdfa" overrides the PDF/A
// conformance level; an empty string disables it.
func (g *GotenbergService) Convert(ctx context.Context, input []byte, from, to string, opts map[string]any) ([]byte, error) {
	if to != "pdf" {
		return nil, fmt.Errorf("%w: gotenberg cannot produce %s", registry.ErrUnsupportedPair, to)
	}

	endpoint, filename := "/forms/libreoffice/convert", "input."+from
	if from == "html" {
		// The Chromium route requires the entry document to be index.html.
		endpoint, filename = "/forms/chromium/convert/html", "index.html"
	}

	pdfa := pdfaConformance
	if v, ok := opts["pdfa"].(string); ok {
		pdfa = v
	}

	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(input); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}

	if pdfa != "" {
		writer.WriteField("pdfa", pdfa)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	registry.ReportProgress(ctx, 20)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted file: %w", err)
	}
	registry.ReportProgress(ctx, 100)
	return out, nil
}
