package pipedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"sort"
)

// UploadFile submits file as the "file" part of a multipart/form-data POST,
// with fields as extra form values. The body is built once and replayed from
// memory; it is retried only when the client was built WithUploadRetries.
// Success invalidates the cached reads of the endpoint's resource family.
func (c *Client) UploadFile(ctx context.Context, endpoint string, file []byte, filename string, fields Params) (json.RawMessage, error) {
	req := c.newRequest(http.MethodPost, endpoint, nil, nil, "")
	c.metrics.RecordRequestStart(req.method, req.endpoint)
	defer c.metrics.RecordRequestEnd(req.method, req.endpoint)

	body, contentType, err := multipartBody(file, filename, fields)
	if err != nil {
		verr := c.newError(req, ErrorTypeValidation, KindTerminal, "building multipart body failed", err)
		c.observe(req, 0, verr)
		return nil, verr
	}
	req.body = body
	req.contentType = contentType

	policy := c.retry
	if !c.uploadRetries {
		cfg := c.retryConfig
		cfg.MaxRetries = 0
		policy = NewRetryPolicy(cfg)
	}
	return c.send(ctx, req, policy)
}

func multipartBody(file []byte, filename string, fields Params) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	values := fields.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
	}

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
