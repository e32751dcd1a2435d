package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// Get sends a GET request and decodes the JSON response into out.
func (g *Gateway) Get(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the JSON response into out.
func (g *Gateway) Post(ctx context.Context, path string, in, out any) error {
	return g.do(ctx, http.MethodPost, path, in, out)
}

// Put sends in as JSON and decodes the JSON response into out.
func (g *Gateway) Put(ctx context.Context, path string, in, out any) error {
	return g.do(ctx, http.MethodPut, path, in, out)
}

// Patch sends in as JSON and decodes the JSON response into out.
func (g *Gateway) Patch(ctx context.Context, path string, in, out any) error {
	return g.do(ctx, http.MethodPatch, path, in, out)
}

// Delete sends a DELETE request and decodes the JSON response into out.
func (g *Gateway) Delete(ctx context.Context, path string, out any) error {
	return g.do(ctx, http.MethodDelete, path, nil, out)
}

func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	req, err := NewJSONRequest(method, path, in)
	if err != nil {
		return err
	}
	resp, err := g.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Upload posts a single file as multipart/form-data under field. The file is
// buffered so the request can be replayed after a token refresh.
func (g *Gateway) Upload(ctx context.Context, path, field, filename string, file io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("buffering upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finishing multipart body: %w", err)
	}

	req := NewRequest(http.MethodPost, path)
	req.Body = buf.Bytes()
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
