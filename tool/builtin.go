package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Clipboard abstracts the host clipboard. The window shell owns the actual
// clipboard handle; tests and headless hosts plug in their own.
type Clipboard interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, text string) error
}

// Opener abstracts opening URLs and applications on the host desktop.
type Opener interface {
	OpenURL(ctx context.Context, rawURL string) error
	OpenApp(ctx context.Context, name string) error
}

// ExecOpener shells out to the platform opener (xdg-open / open / cmd start).
type ExecOpener struct{}

// OpenURL opens rawURL in the default browser.
func (ExecOpener) OpenURL(ctx context.Context, rawURL string) error {
	return ExecOpener{}.open(ctx, rawURL)
}

// OpenApp launches an application by name or path.
func (ExecOpener) OpenApp(ctx context.Context, name string) error {
	return ExecOpener{}.open(ctx, name)
}

func (ExecOpener) open(ctx context.Context, target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", target)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", "", target)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", target)
	}
	return cmd.Run()
}

// BuiltinOptions configures the built-in tool set.
type BuiltinOptions struct {
	// HTTPClient performs weather/search lookups. Defaults to a client with
	// a 10s timeout; the per-call context still governs cancellation.
	HTTPClient *http.Client
	// WeatherEndpoint is the opaque weather lookup base URL.
	WeatherEndpoint string
	// Clipboard provides clipboard access; nil disables the clipboard tools.
	Clipboard Clipboard
	// Opener opens URLs/apps; defaults to ExecOpener.
	Opener Opener
	// MaxFileBytes bounds read_file results.
	MaxFileBytes int64
}

// RegisterBuiltins registers the global built-in tool set into reg.
// High-risk tools (write_file, open_url, open_app, write_clipboard) also
// declare RequiresConfirmation; the gateway forces confirmation for these
// names even if a replacement registration forgets the flag.
func RegisterBuiltins(reg *Registry, optFns ...func(o *BuiltinOptions)) error {
	opts := BuiltinOptions{
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
		WeatherEndpoint: "https://wttr.in",
		Opener:          ExecOpener{},
		MaxFileBytes:    1 << 20,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	tools := []Tool{
		newCurrentTimeTool(),
		newWeatherTool(opts.HTTPClient, opts.WeatherEndpoint),
		newReadFileTool(opts.MaxFileBytes),
		newWriteFileTool(),
		newOpenURLTool(opts.Opener),
		newOpenAppTool(opts.Opener),
	}

	if opts.Clipboard != nil {
		tools = append(tools,
			newReadClipboardTool(opts.Clipboard),
			newWriteClipboardTool(opts.Clipboard),
		)
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}

	return nil
}

func newCurrentTimeTool() *FunctionTool {
	return NewFunctionTool(
		"get_current_time",
		"Get the current local date and time.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			now := time.Now()
			return map[string]any{
				"iso":     now.Format(time.RFC3339),
				"weekday": now.Weekday().String(),
			}, nil
		},
	)
}

func newWeatherTool(client *http.Client, endpoint string) *FunctionTool {
	return NewFunctionTool(
		"get_weather",
		"Look up the current weather for a city.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string", "description": "City name"},
			},
			"required": []string{"city"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			city, _ := args["city"].(string)

			u := fmt.Sprintf("%s/%s?format=j1", endpoint, url.PathEscape(city))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("weather lookup failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("weather lookup failed: status %d", resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if err != nil {
				return nil, err
			}
			return string(body), nil
		},
	)
}

func newReadFileTool(maxBytes int64) *FunctionTool {
	return NewFunctionTool(
		"read_file",
		"Read a UTF-8 text file from the local filesystem.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Absolute file path"},
			},
			"required": []string{"path"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)

			f, err := os.Open(path)
			if err != nil {
				return nil, err
			}
			defer f.Close()

			data, err := io.ReadAll(io.LimitReader(f, maxBytes))
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	)
}

func newWriteFileTool() *FunctionTool {
	return NewFunctionTool(
		"write_file",
		"Write text content to a file on the local filesystem, replacing any existing content.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Absolute file path"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
		WithConfirmation(),
	)
}

func newOpenURLTool(opener Opener) *FunctionTool {
	return NewFunctionTool(
		"open_url",
		"Open a URL in the default browser.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "URL to open"},
			},
			"required": []string{"url"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			rawURL, _ := args["url"].(string)

			parsed, err := url.Parse(rawURL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return nil, NewToolError("open_url", "only http(s) URLs can be opened", "VALIDATION_ERROR")
			}

			if err := opener.OpenURL(ctx, rawURL); err != nil {
				return nil, err
			}
			return "opened " + rawURL, nil
		},
		WithConfirmation(),
	)
}

func newOpenAppTool(opener Opener) *FunctionTool {
	return NewFunctionTool(
		"open_app",
		"Launch an application on the host by name.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Application name or path"},
			},
			"required": []string{"name"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["name"].(string)

			if err := opener.OpenApp(ctx, name); err != nil {
				return nil, err
			}
			return "launched " + name, nil
		},
		WithConfirmation(),
	)
}

func newReadClipboardTool(cb Clipboard) *FunctionTool {
	return NewFunctionTool(
		"read_clipboard",
		"Read the current text content of the clipboard.",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			return cb.Read(ctx)
		},
	)
}

func newWriteClipboardTool(cb Clipboard) *FunctionTool {
	return NewFunctionTool(
		"write_clipboard",
		"Replace the clipboard content with the given text.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to place on the clipboard"},
			},
			"required": []string{"text"},
		},
		func(ctx context.Context, args map[string]any) (any, error) {
			if err := cb.Write(ctx, args["text"].(string)); err != nil {
				return nil, err
			}
			return "clipboard updated", nil
		},
		WithConfirmation(),
	)
}
