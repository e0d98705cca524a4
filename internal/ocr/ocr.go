// Package ocr checks a driver's licence scan against an external OCR service.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driverdesk/server/internal/apperr"
)

// Result is the OCR verdict for one document
type Result struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// DocumentReader loads document bytes by reference
type DocumentReader interface {
	Open(ctx context.Context, ref string) ([]byte, error)
}

// HTTPClient calls POST {baseURL}/verify with the base64 document and reads a Result
type HTTPClient struct {
	baseURL string
	apiKey  string
	docs    DocumentReader
	http    *http.Client
}

// NewHTTPClient creates a client for the OCR service at baseURL
func NewHTTPClient(baseURL, apiKey string, docs DocumentReader, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		docs:    docs,
		http:    &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	Ref      string `json:"ref"`
	Document string `json:"document"`
}

// Verify sends the referenced document for OCR. Transport failures and non-2xx replies are
// returned as errors wrapping apperr.ErrCollaboratorUnavailable; a failed check is a Result.
func (c *HTTPClient) Verify(ctx context.Context, ref string) (Result, error) {
	data, err := c.docs.Open(ctx, ref)
	if err != nil {
		return Result{}, fmt.Errorf("load document: %w", err)
	}
	body, err := json.Marshal(verifyRequest{Ref: ref, Document: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return Result{}, fmt.Errorf("encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("ocr request: %v: %w", err, apperr.ErrCollaboratorUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("ocr service returned %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(snippet)), apperr.ErrCollaboratorUnavailable)
	}

	var res Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode ocr response: %v: %w", err, apperr.ErrCollaboratorUnavailable)
	}
	return res, nil
}

// Static answers every request with the same result; used when no OCR service is configured.
type Static struct {
	Result Result
	Err    error
}

func (s Static) Verify(ctx context.Context, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return s.Result, s.Err
}
