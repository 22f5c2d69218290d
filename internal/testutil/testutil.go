// Package testutil provides common test fakes and helpers for CarePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CarePipe/internal/genai"
)

// FakeGenerator is a scriptable genai.Generator that records every prompt.
type FakeGenerator struct {
	mu      sync.Mutex
	Respond func(ctx context.Context, prompt genai.Prompt) (string, error)
	prompts []genai.Prompt
}

// NewStaticGenerator returns a generator that always replies with reply.
func NewStaticGenerator(reply string) *FakeGenerator {
	return &FakeGenerator{Respond: func(context.Context, genai.Prompt) (string, error) { return reply, nil }}
}

// NewFailingGenerator returns a generator that always fails with err.
func NewFailingGenerator(err error) *FakeGenerator {
	return &FakeGenerator{Respond: func(context.Context, genai.Prompt) (string, error) { return "", err }}
}

// Generate implements genai.Generator.
func (f *FakeGenerator) Generate(ctx context.Context, prompt genai.Prompt) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	respond := f.Respond
	f.mu.Unlock()
	if respond == nil {
		return "", nil
	}
	return respond(ctx, prompt)
}

// Calls returns how many times Generate was invoked.
func (f *FakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Prompts returns a copy of the recorded prompts.
func (f *FakeGenerator) Prompts() []genai.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]genai.Prompt, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// KeywordEmbedder is a deterministic genai.Embedder: each dimension counts the
// occurrences of one vocabulary word in the lowercased text.
type KeywordEmbedder struct {
	mu    sync.Mutex
	vocab []string
	Err   error
	calls int
}

// NewKeywordEmbedder creates an embedder over the given vocabulary.
func NewKeywordEmbedder(vocab ...string) *KeywordEmbedder {
	return &KeywordEmbedder{vocab: vocab}
}

// Embed implements genai.Embedder.
func (k *KeywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k.mu.Lock()
	k.calls++
	err := k.Err
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(k.vocab))
	for i, w := range k.vocab {
		vec[i] = float32(strings.Count(lower, w))
	}
	return vec, nil
}

// Calls returns how many times Embed was invoked.
func (k *KeywordEmbedder) Calls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
