package imageformat

import "fmt"

// ImageLoadError reports a failure to resolve or read an image.
type ImageLoadError struct {
	Image  string
	Reason string
	Err    error
}

func (e *ImageLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Image, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Image, e.Reason)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

// ImageSaveError reports a failure to write an image.
type ImageSaveError struct {
	Image  string
	Reason string
	Err    error
}

func (e *ImageSaveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Image, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Image, e.Reason)
}

func (e *ImageSaveError) Unwrap() error {
	return e.Err
}
