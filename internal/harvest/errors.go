package harvest

import "fmt"

// FetchKind classifies a failed fetch.
type FetchKind string

const (
	KindDownload FetchKind = "download"
	KindChecksum FetchKind = "checksum"
	KindArchive  FetchKind = "archive"
	KindIndex    FetchKind = "index"
)

// Message is the failure text stored with the granule record.
func (k FetchKind) Message() string {
	switch k {
	case KindChecksum:
		return "checksum failed"
	case KindArchive:
		return "archive upload unsuccessful"
	default:
		return "download failed"
	}
}

// FetchError reports a failed fetch of one granule. The run continues.
type FetchError struct {
	Dataset  string
	Filename string
	Kind     FetchKind
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("harvest %s: %s %s: %v", e.Dataset, e.Kind, e.Filename, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
