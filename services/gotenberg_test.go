package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"fileconvert/registry"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// readMultipart returns the form fields and the uploaded file names.
func readMultipart(t *testing.T, r *http.Request, expectedPath string) (map[string]string, []string) {
	t.Helper()

	if r.URL.Path != expectedPath {
		t.Fatalf("unexpected path: %s", r.URL.Path)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("expected multipart/form-data, got %q (err=%v)", mediaType, err)
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	defer func() { _ = r.Body.Close() }()

	fields := map[string]string{}
	var files []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read multipart part: %v", err)
		}

		if part.FileName() != "" {
			files = append(files, part.FileName())
			_, _ = io.Copy(io.Discard, part)
		} else {
			b, _ := io.ReadAll(part)
			fields[part.FormName()] = string(b)
		}
		_ = part.Close()
	}
	return fields, files
}

func pdfResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte("%PDF-1.4\n%EOF\n"))),
		Header:     make(http.Header),
	}
}

func TestGotenbergService_Convert_UsesPDFA2b(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		fields, files := readMultipart(t, r, "/forms/libreoffice/convert")
		if fields["pdfa"] != pdfaConformance {
			t.Fatalf("expected pdfa=%q, got %q", pdfaConformance, fields["pdfa"])
		}
		if len(files) != 1 || files[0] != "input.docx" {
			t.Fatalf("unexpected files %v", files)
		}
		return pdfResponse(), nil
	})

	out, err := svc.Convert(context.Background(), []byte("dummy"), "docx", "pdf", nil)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestGotenbergService_Convert_HTMLUsesChromium(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		fields, files := readMultipart(t, r, "/forms/chromium/convert/html")
		if _, ok := fields["pdfa"]; ok {
			t.Fatal("pdfa must be omitted when disabled")
		}
		if len(files) != 1 || files[0] != "index.html" {
			t.Fatalf("unexpected files %v", files)
		}
		return pdfResponse(), nil
	})

	if _, err := svc.Convert(context.Background(), []byte("<p>hi</p>"), "html", "pdf", map[string]any{"pdfa": ""}); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
}

func TestGotenbergService_Convert_ErrorStatus(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid")
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusBadRequest,
			Body:       io.NopCloser(strings.NewReader("corrupt document")),
			Header:     make(http.Header),
		}, nil
	})

	_, err := svc.Convert(context.Background(), []byte("x"), "docx", "pdf", nil)
	if err == nil || !strings.Contains(err.Error(), "corrupt document") {
		t.Fatalf("expected gotenberg error, got %v", err)
	}
}

func TestGotenbergService_Register(t *testing.T) {
	t.Parallel()

	r := registry.NewDefault()
	svc := NewGotenbergService("http://example.invalid")
	if err := svc.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, from := range []string{"docx", "txt", "html", "xlsx"} {
		if !r.Supports(from, "pdf") {
			t.Errorf("%s->pdf should be supported", from)
		}
	}

	_, err := svc.Convert(context.Background(), nil, "docx", "txt", nil)
	if !errors.Is(err, registry.ErrUnsupportedPair) {
		t.Fatalf("expected ErrUnsupportedPair, got %v", err)
	}
}
