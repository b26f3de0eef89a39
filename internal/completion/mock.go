package completion

import (
	"context"
	"fmt"
)

// MockClient answers without any network call. It backs the "mock" provider
// for running the front ends offline.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Provider: "mock", Err: err}
	}
	return fmt.Sprintf("You said: %s", prompt), nil
}
