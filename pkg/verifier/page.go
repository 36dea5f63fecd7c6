package verifier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"dev/bravebird/popup-verifier/pkg/models"
)

func openPopup(page *rod.Page, dir string) error {
	popupPath, err := filepath.Abs(filepath.Join(dir, PopupFile))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", PopupFile, err)
	}
	if err := page.Navigate(FileURL(popupPath)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", popupPath, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s to load: %w", PopupFile, err)
	}
	return nil
}

func setViewport(page *rod.Page, vp models.Viewport, scale float64) error {
	err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: scale,
	})
	if err != nil {
		return fmt.Errorf("failed to set viewport %s: %w", vp, err)
	}
	return nil
}

// fill replaces the value of the input matching selector
func fill(page *rod.Page, selector, value string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to select %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func click(page *rod.Page, selector string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %s", selector)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func capture(page *rod.Page, path string, fullPage bool) error {
	data, err := page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return fmt.Errorf("failed to take screenshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save screenshot: %w", err)
	}
	return nil
}

// settle gives the popup's scripts time to run after a load or an interaction
func settle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
