// Package agent plans tool implementations with an LLM and drives the code
// generator to produce them.
package agent

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

// ChatClient turns a prompt into a completion. Tests substitute a stub.
type ChatClient interface {
	GetChatCompletion(ctx context.Context, system, user string) (string, error)
}

// AzureOpenAIClient implements ChatClient against the Azure OpenAI service.
type AzureOpenAIClient struct {
	client     *azopenai.Client
	deployment string
}

// NewAzureOpenAIClient creates a client bound to one deployment.
func NewAzureOpenAIClient(endpoint, apiKey, deployment string) (*AzureOpenAIClient, error) {
	keyCredential := azcore.NewKeyCredential(apiKey)
	client, err := azopenai.NewClientWithKeyCredential(endpoint, keyCredential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure OpenAI client: %w", err)
	}
	return &AzureOpenAIClient{client: client, deployment: deployment}, nil
}

// GetChatCompletion sends a system and user message and returns the first
// choice's content.
func (c *AzureOpenAIClient) GetChatCompletion(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.GetChatCompletions(
		ctx,
		azopenai.ChatCompletionsOptions{
			DeploymentName: to.Ptr(c.deployment),
			Messages: []azopenai.ChatRequestMessageClassification{
				&azopenai.ChatRequestSystemMessage{
					Content: azopenai.NewChatRequestSystemMessageContent(system),
				},
				&azopenai.ChatRequestUserMessage{
					Content: azopenai.NewChatRequestUserMessageContent(user),
				},
			},
		},
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil && resp.Choices[0].Message.Content != nil {
		return *resp.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("no completion received from model")
}
