// Package embed names the contract with the external text/image encoder.
// The encoder itself lives outside this repository; the query facade only
// needs text embeddings for text search, obtained from the encoder's HTTP
// endpoint.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fmoretti/semamap/internal/dataset"
)

// TextEncoder turns a text query into an embedding comparable to the stored
// image embeddings.
type TextEncoder interface {
	EncodeText(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a function to the TextEncoder interface.
type Func func(ctx context.Context, text string) ([]float32, error)

func (f Func) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// HTTPEncoder calls a remote encoder service: POST {"text": ...} returning
// {"embedding": [...]}.
type HTTPEncoder struct {
	url    string
	client *http.Client
}

// NewHTTPEncoder creates an encoder client for the given endpoint URL.
func NewHTTPEncoder(url string) *HTTPEncoder {
	return &HTTPEncoder{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *HTTPEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("encoder request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("encoder returned %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode encoder response: %w", err)
	}
	if len(out.Embedding) != dataset.EmbeddingDim {
		return nil, fmt.Errorf("encoder returned %d dimensions, want %d", len(out.Embedding), dataset.EmbeddingDim)
	}
	return out.Embedding, nil
}
