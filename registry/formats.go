package registry

// DefaultFormats is the format catalogue the service ships with.
func DefaultFormats() []Format {
	return []Format{
		{Name: "pdf", Category: "document", MIMEType: "application/pdf", Input: true, Output: true},
		{Name: "docx", Category: "document", MIMEType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Input: true, Output: true},
		{Name: "doc", Category: "document", MIMEType: "application/msword", Input: true, Output: true},
		{Name: "txt", Category: "document", MIMEType: "text/plain", Input: true, Output: true},
		{Name: "rtf", Category: "document", MIMEType: "application/rtf", Input: true, Output: true},
		{Name: "odt", Category: "document", MIMEType: "application/vnd.oasis.opendocument.text", Input: true, Output: true},
		{Name: "html", Category: "document", MIMEType: "text/html", Input: true, Output: true},

		{Name: "jpg", Category: "image", MIMEType: "image/jpeg", Input: true, Output: true},
		{Name: "png", Category: "image", MIMEType: "image/png", Input: true, Output: true},
		{Name: "gif", Category: "image", MIMEType: "image/gif", Input: true, Output: true},
		{Name: "bmp", Category: "image", MIMEType: "image/bmp", Input: true, Output: true},
		{Name: "tiff", Category: "image", MIMEType: "image/tiff", Input: true, Output: true},
		{Name: "webp", Category: "image", MIMEType: "image/webp", Input: true, Output: true},

		{Name: "xlsx", Category: "spreadsheet", MIMEType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", Input: true, Output: true},
		{Name: "ods", Category: "spreadsheet", MIMEType: "application/vnd.oasis.opendocument.spreadsheet", Input: true, Output: true},
		{Name: "csv", Category: "spreadsheet", MIMEType: "text/csv", Input: true, Output: true},

		{Name: "pptx", Category: "presentation", MIMEType: "application/vnd.openxmlformats-officedocument.presentationml.presentation", Input: true, Output: true},
		{Name: "odp", Category: "presentation", MIMEType: "application/vnd.oasis.opendocument.presentation", Input: true, Output: true},

		{Name: "json", Category: "data", MIMEType: "application/json", Input: true, Output: true},
		{Name: "yaml", Category: "data", MIMEType: "application/x-yaml", Input: true, Output: true},
	}
}

var (
	ImageFormats = []string{"jpg", "png", "gif", "bmp", "tiff", "webp"}
	DataFormats  = []string{"json", "yaml"}
)

// NewDefault returns a registry seeded with the catalogue and the in-process
// image and data converters. Converters backed by external services are
// registered by the caller.
func NewDefault() *Registry {
	r := New()
	for _, f := range DefaultFormats() {
		r.RegisterFormat(f)
	}
	// Both lists only reference catalogue formats, so registration cannot fail.
	_ = r.RegisterAll(ImageFormats, ImageFormats, ImageConverter{})
	_ = r.RegisterAll(DataFormats, DataFormats, DataConverter{})
	return r
}
