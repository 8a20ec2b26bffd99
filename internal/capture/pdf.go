package capture

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// bundlePDF merges the screenshot sequence into a single PDF, one page per
// shot, so the visual record travels as one file.
func bundlePDF(imagePaths []string, outPath string) error {
	if err := api.ImportImagesFile(imagePaths, outPath, nil, nil); err != nil {
		return fmt.Errorf("capture: import images: %w", err)
	}
	return nil
}
