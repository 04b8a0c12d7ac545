package webapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

type formEntry struct {
	name  string
	value string
	file  *File
}

// FormData is an ordered multimap of string and file entries.
type FormData struct {
	entries []formEntry
}

func NewFormData() *FormData { return &FormData{} }

func (f *FormData) Append(name, value string) {
	f.entries = append(f.entries, formEntry{name: name, value: value})
}

// AppendFile adds a file entry. An empty filename defaults to "blob".
func (f *FormData) AppendFile(name string, blob *Blob, filename string) {
	if filename == "" {
		filename = "blob"
	}
	f.entries = append(f.entries, formEntry{name: name, file: &File{Blob: blob, Name: filename}})
}

// Set replaces all entries named name with a single string entry.
func (f *FormData) Set(name, value string) {
	f.Delete(name)
	f.Append(name, value)
}

func (f *FormData) Delete(name string) {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.name != name {
			kept = append(kept, e)
		}
	}
	f.entries = kept
}

// Get returns the first string value for name.
func (f *FormData) Get(name string) (string, bool) {
	for _, e := range f.entries {
		if e.name == name && e.file == nil {
			return e.value, true
		}
	}
	return "", false
}

// GetFile returns the first file entry for name.
func (f *FormData) GetFile(name string) (*File, bool) {
	for _, e := range f.entries {
		if e.name == name && e.file != nil {
			return e.file, true
		}
	}
	return nil, false
}

// GetAll returns every string value for name, in insertion order.
func (f *FormData) GetAll(name string) []string {
	var out []string
	for _, e := range f.entries {
		if e.name == name && e.file == nil {
			out = append(out, e.value)
		}
	}
	return out
}

func (f *FormData) Has(name string) bool {
	for _, e := range f.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

func (f *FormData) Len() int { return len(f.entries) }

func newBoundary() string {
	return "----formdata-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// encode serializes the form as multipart/form-data.
func (f *FormData) encode(boundary string) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary(boundary); err != nil {
		return nil, err
	}
	for _, e := range f.entries {
		if e.file == nil {
			if err := w.WriteField(e.name, e.value); err != nil {
				return nil, err
			}
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(e.name), escapeQuotes(e.file.Name)))
		ct := e.file.Type()
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(e.file.data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "%22", "\n", "%0A", "\r", "%0D")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// parseMultipartForm decodes a multipart/form-data body.
func parseMultipartForm(data []byte, boundary string) (*FormData, error) {
	if boundary == "" {
		return nil, errors.New("missing multipart boundary")
	}
	fd := NewFormData()
	r := multipart.NewReader(bytes.NewReader(data), boundary)
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return fd, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parsing multipart body: %w", err)
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("parsing multipart body: %w", err)
		}
		name := part.FormName()
		if filename := part.FileName(); filename != "" {
			fd.AppendFile(name, &Blob{data: content, typ: part.Header.Get("Content-Type")}, filename)
		} else {
			fd.Append(name, string(content))
		}
		part.Close()
	}
}

// parseURLEncodedForm decodes an application/x-www-form-urlencoded body.
func parseURLEncodedForm(data []byte) (*FormData, error) {
	fd := NewFormData()
	for _, pair := range strings.Split(string(data), "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("parsing form body: %w", err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("parsing form body: %w", err)
		}
		fd.Append(name, value)
	}
	return fd, nil
}
