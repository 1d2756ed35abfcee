package capture

import (
	"fmt"
	"image"

	"github.com/kbinani/screenshot"
)

// screenGrabber reads the primary display. Multi-monitor setups capture
// display 0 only; secondary screens rarely carry the foreground window.
type screenGrabber struct{}

// NewScreenGrabber returns the production display grabber.
func NewScreenGrabber() Grabber { return screenGrabber{} }

func (screenGrabber) Grab() (image.Image, error) {
	if screenshot.NumActiveDisplays() == 0 {
		return nil, fmt.Errorf("no active displays")
	}
	img, err := screenshot.CaptureDisplay(0)
	if err != nil {
		return nil, fmt.Errorf("capture display 0: %w", err)
	}
	return img, nil
}
