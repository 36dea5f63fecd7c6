package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"dev/bravebird/popup-verifier/pkg/browser"
	"dev/bravebird/popup-verifier/pkg/models"
)

const (
	// ManualImageDir receives the documentation screenshots
	ManualImageDir = "docs/images"

	// ManualPage links to the screenshots and is rewritten from .svg to .png
	ManualPage = "docs/manual.html"
)

var manualViewport = models.Viewport{Width: 400, Height: 600}

// Tag labels a snippet
type Tag struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Snippet is a saved text entry as the popup stores it in chrome.storage
type Snippet struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Tags      []Tag  `json:"tags"`
	Favorite  bool   `json:"favorite"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SampleSnippets populates the list view in the documentation screenshots
func SampleSnippets(now time.Time) []Snippet {
	ms := now.UnixMilli()
	return []Snippet{
		{
			ID:        "id-1",
			Title:     "会議メモ / Meeting Notes",
			Content:   "来週のプロジェクト定例について\n・進捗確認\n・課題の洗い出し",
			Tags:      []Tag{{Name: "work", Category: "office"}},
			Favorite:  true,
			CreatedAt: ms - 100000,
			UpdatedAt: ms - 100000,
		},
		{
			ID:        "id-2",
			Title:     "買い物リスト / Shopping List",
			Content:   "牛乳\n卵\nパン",
			Tags:      []Tag{{Name: "home", Category: "personal"}},
			CreatedAt: ms - 200000,
			UpdatedAt: ms - 200000,
		},
		{
			ID:        "id-3",
			Title:     "コードスニペット",
			Content:   "console.log('Hello, World!');",
			Tags:      []Tag{{Name: "dev", Category: "js"}},
			CreatedAt: ms - 300000,
			UpdatedAt: ms - 300000,
		},
	}
}

// mockStorageScript stands in for chrome.storage.local, which does not exist
// on file:// pages. Callbacks fire asynchronously like the real API.
const mockStorageScript = `
window.mockStorage = {
	snippets: [],
	settings: { language: 'ja', theme: 'light' }
};
window.chrome = {
	runtime: { lastError: null },
	storage: {
		local: {
			get: (keys, callback) => {
				const result = {};
				setTimeout(() => {
					if (Array.isArray(keys)) {
						keys.forEach(k => result[k] = window.mockStorage[k]);
					} else if (typeof keys === 'string') {
						result[keys] = window.mockStorage[keys];
					} else if (keys === null || keys === undefined) {
						Object.assign(result, window.mockStorage);
					} else {
						Object.keys(keys).forEach(k => result[k] = window.mockStorage[k] !== undefined ? window.mockStorage[k] : keys[k]);
					}
					callback(result);
				}, 0);
			},
			set: (items, callback) => {
				Object.assign(window.mockStorage, items);
				if (callback) setTimeout(callback, 0);
			}
		}
	}
};
`

// seedScript runs after mockStorageScript on every load so seeded snippets survive reloads
func seedScript(snippets []Snippet) (string, error) {
	data, err := json.Marshal(snippets)
	if err != nil {
		return "", fmt.Errorf("failed to encode snippets: %w", err)
	}
	return "window.mockStorage.snippets = " + string(data) + ";", nil
}

// ManualCapturer produces the screenshots embedded in the user manual
type ManualCapturer struct {
	Dir      string
	Snippets []Snippet
	Browser  browser.Options
	Stdout   io.Writer
	Stderr   io.Writer
}

// NewManualCapturer returns a capturer for the current directory seeded with SampleSnippets
func NewManualCapturer() *ManualCapturer {
	return &ManualCapturer{
		Snippets: SampleSnippets(time.Now()),
		Browser:  browser.DefaultOptions(),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

// Run captures the create, list, search and backup views and then points
// the manual at the PNG files. It returns the paths written.
func (m *ManualCapturer) Run(ctx context.Context) ([]string, error) {
	imageDir := filepath.Join(m.Dir, filepath.FromSlash(ManualImageDir))
	m.printf("Generating screenshots in %s...\n", imageDir)
	if err := os.MkdirAll(imageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image dir: %w", err)
	}

	paths, err := m.captureAll(ctx, imageDir)
	if err != nil {
		return paths, err
	}

	manualPath := filepath.Join(m.Dir, filepath.FromSlash(ManualPage))
	updated, err := UpdateManualLinks(manualPath)
	switch {
	case err != nil:
		if m.Stderr != nil {
			fmt.Fprintf(m.Stderr, "Could not update manual.html: %v\n", err)
		}
	case updated:
		m.printf("Updated %s to link to .png screenshots.\n", ManualPage)
	}

	return paths, nil
}

func (m *ManualCapturer) captureAll(ctx context.Context, imageDir string) (paths []string, err error) {
	sess, err := browser.Launch(ctx, m.Browser)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	page, err := sess.NewPage()
	if err != nil {
		return nil, err
	}
	if err := setViewport(page, manualViewport, 2); err != nil {
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(mockStorageScript); err != nil {
		return nil, fmt.Errorf("failed to install storage mock: %w", err)
	}

	shoot := func(name string) error {
		path := filepath.Join(imageDir, name)
		if err := capture(page, path, false); err != nil {
			return err
		}
		paths = append(paths, path)
		m.printf("Captured %s\n", name)
		return nil
	}

	// Create view with the form filled in
	if err := m.load(ctx, page); err != nil {
		return paths, err
	}
	if err := setSectionOpen(page, "first", true); err != nil {
		return paths, err
	}
	for _, f := range [][2]string{
		{"#title", "新しいアイデア / New Idea"},
		{"#content", "ここに詳細を書く...\nWrite details here..."},
		{"#tagName", "idea"},
		{"#tagCategory", "personal"},
	} {
		if err := fill(page, f[0], f[1]); err != nil {
			return paths, err
		}
	}
	if err := settle(ctx, 200*time.Millisecond); err != nil {
		return paths, err
	}
	if err := shoot("01-create.png"); err != nil {
		return paths, err
	}

	// List view with seeded snippets
	seed, err := seedScript(m.Snippets)
	if err != nil {
		return paths, err
	}
	if _, err := page.EvalOnNewDocument(seed); err != nil {
		return paths, fmt.Errorf("failed to seed snippets: %w", err)
	}
	if err := m.load(ctx, page); err != nil {
		return paths, err
	}
	if err := setSectionOpen(page, "first", false); err != nil {
		return paths, err
	}
	if err := settle(ctx, 200*time.Millisecond); err != nil {
		return paths, err
	}
	if err := shoot("02-list.png"); err != nil {
		return paths, err
	}

	// Search view
	if err := fill(page, "#searchInput", "会議"); err != nil {
		return paths, err
	}
	if err := click(page, "#searchBtn"); err != nil {
		return paths, err
	}
	if err := settle(ctx, 500*time.Millisecond); err != nil {
		return paths, err
	}
	if err := shoot("03-search.png"); err != nil {
		return paths, err
	}

	// Backup view
	if err := click(page, "#clearSearchBtn"); err != nil {
		return paths, err
	}
	if err := settle(ctx, 200*time.Millisecond); err != nil {
		return paths, err
	}
	if err := setSectionOpen(page, "last", true); err != nil {
		return paths, err
	}
	if err := settle(ctx, 200*time.Millisecond); err != nil {
		return paths, err
	}
	if _, err := page.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
		return paths, fmt.Errorf("failed to scroll: %w", err)
	}
	if err := settle(ctx, 200*time.Millisecond); err != nil {
		return paths, err
	}
	if err := shoot("04-backup.png"); err != nil {
		return paths, err
	}

	return paths, nil
}

func (m *ManualCapturer) load(ctx context.Context, page *rod.Page) error {
	if err := openPopup(page, m.Dir); err != nil {
		return err
	}
	return settle(ctx, 500*time.Millisecond)
}

func (m *ManualCapturer) printf(format string, args ...interface{}) {
	if m.Stdout != nil {
		fmt.Fprintf(m.Stdout, format, args...)
	}
}

// setSectionOpen toggles the first or last collapsible section
func setSectionOpen(page *rod.Page, which string, open bool) error {
	_, err := page.Eval(`(which, open) => {
		const all = document.querySelectorAll('details.section');
		if (all.length === 0) return;
		const el = which === 'last' ? all[all.length - 1] : all[0];
		el.open = open;
	}`, which, open)
	if err != nil {
		return fmt.Errorf("failed to toggle %s section: %w", which, err)
	}
	return nil
}

// UpdateManualLinks rewrites .svg image references in the manual to .png.
// It reports whether the file changed.
func UpdateManualLinks(path string) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	rewritten, changed := RewriteImageLinks(string(content))
	if !changed {
		return false, nil
	}

	if err := os.WriteFile(path, []byte(rewritten), 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// RewriteImageLinks replaces every .svg with .png
func RewriteImageLinks(content string) (string, bool) {
	if !strings.Contains(content, ".svg") {
		return content, false
	}
	return strings.ReplaceAll(content, ".svg", ".png"), true
}
