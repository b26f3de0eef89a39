// Package attachment turns local files into prompt text.
package attachment

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
}

// FilePrompt embeds the content of a text file into a prompt.
func FilePrompt(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading file: %w", err)
	}

	return fmt.Sprintf("Here is the content of file '%s':\n\n%s\n\nPlease analyze this file.",
		filepath.Base(path), content), nil
}

// ImagePrompt embeds a base64 encoded image into a prompt.
func ImagePrompt(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !imageExtensions[ext] {
		return "", fmt.Errorf("error processing image: unsupported extension %q", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error processing image: %w", err)
	}

	return fmt.Sprintf("Here is an image named '%s' (base64 encoded):\n\n%s\n\nPlease analyze this image.",
		filepath.Base(path), base64.StdEncoding.EncodeToString(data)), nil
}
