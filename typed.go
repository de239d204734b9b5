package pipedrive

import (
	"context"
	"encoding/json"
	"net/http"
)

// GetJSON performs Get and decodes the body into T.
func GetJSON[T any](ctx context.Context, c *Client, endpoint string, params Params, cache *CacheOptions) (T, error) {
	raw, err := c.Get(ctx, endpoint, params, cache)
	return decodeJSON[T](raw, err, http.MethodGet, endpoint)
}

// PostJSON performs Post and decodes the body into T.
func PostJSON[T any](ctx context.Context, c *Client, endpoint string, body any, params Params) (T, error) {
	raw, err := c.Post(ctx, endpoint, body, params)
	return decodeJSON[T](raw, err, http.MethodPost, endpoint)
}

// PutJSON performs Put and decodes the body into T.
func PutJSON[T any](ctx context.Context, c *Client, endpoint string, body any, params Params) (T, error) {
	raw, err := c.Put(ctx, endpoint, body, params)
	return decodeJSON[T](raw, err, http.MethodPut, endpoint)
}

// PatchJSON performs Patch and decodes the body into T.
func PatchJSON[T any](ctx context.Context, c *Client, endpoint string, body any, params Params) (T, error) {
	raw, err := c.Patch(ctx, endpoint, body, params)
	return decodeJSON[T](raw, err, http.MethodPatch, endpoint)
}

// DeleteJSON performs Delete and decodes the body into T.
func DeleteJSON[T any](ctx context.Context, c *Client, endpoint string, params Params) (T, error) {
	raw, err := c.Delete(ctx, endpoint, params)
	return decodeJSON[T](raw, err, http.MethodDelete, endpoint)
}

func decodeJSON[T any](raw json.RawMessage, err error, method, endpoint string) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &ClientError{
			Type:     ErrorTypeDecode,
			Kind:     KindTerminal,
			Message:  "response body does not match the expected shape",
			Cause:    err,
			Method:   method,
			Endpoint: normalizeEndpoint(endpoint),
		}
	}
	return out, nil
}
