package credentials

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Onboard runs the first-time setup: asks for an Anthropic API key and
// saves it. Called when neither the environment variable nor the
// credentials file yields a key.
func Onboard(manager *Manager) (*Credentials, error) {
	fmt.Println()
	fmt.Println("No API key found. Mixpilot needs an Anthropic API key to talk to the model.")
	fmt.Println("Get one at: https://console.anthropic.com/settings/keys")
	fmt.Printf("(You can also set %s instead of storing a key on disk.)\n", EnvVar)
	fmt.Println()

	apiKey, err := promptAPIKey()
	if err != nil {
		return nil, err
	}

	creds := &Credentials{AnthropicAPIKey: apiKey}
	if err := manager.Save(creds); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}

	fmt.Println()
	fmt.Println("API key saved to:", manager.Path())
	fmt.Println()
	return creds, nil
}

func promptAPIKey() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Enter your Anthropic API key: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		apiKey := strings.TrimSpace(line)

		if apiKey == "" {
			fmt.Println("API key cannot be empty. Please try again.")
			continue
		}

		if !strings.HasPrefix(apiKey, "sk-") {
			fmt.Println("Warning: key doesn't look like an Anthropic key (should start with 'sk-').")
			fmt.Print("Continue anyway? [y/N]: ")
			confirm, _ := reader.ReadString('\n')
			if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(confirm)), "y") {
				continue
			}
		}

		return apiKey, nil
	}
}
