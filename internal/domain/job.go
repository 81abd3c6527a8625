package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"

	MediaTypeJPEG = "image/jpeg"
	MediaTypePNG  = "image/png"
)

func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// CardRecord is the structured extraction for one business card. Every field
// is optional; a zero CardRecord is a valid, empty answer.
type CardRecord struct {
	Country  string `json:"country,omitempty"`
	Name     string `json:"name,omitempty"`
	Position string `json:"position,omitempty"`
	Company  string `json:"company,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

func (r CardRecord) IsEmpty() bool {
	return r == CardRecord{}
}

// Upload is a file accepted into the batch before it is assigned an identity.
type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

type Job struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	MediaType  string      `json:"media_type"`
	Size       int         `json:"size"`
	Payload    []byte      `json:"-"`
	Seq        uint64      `json:"seq"`
	Epoch      uint64      `json:"epoch"`
	State      JobState    `json:"state"`
	Result     *CardRecord `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	Attempts   int         `json:"attempts"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

func (u Upload) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("file name is required")
	}
	if len(u.Data) == 0 {
		return fmt.Errorf("file %s is empty", u.Name)
	}
	if MediaTypeFor(u.Name, u.MediaType) == "" {
		return fmt.Errorf("unsupported file type for %s: %q", u.Name, u.MediaType)
	}
	return nil
}

// MediaTypeFor returns the accepted media type for a file, preferring the
// declared type and falling back to the extension. Empty means unsupported.
func MediaTypeFor(name, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	switch declared {
	case MediaTypeJPEG, "image/jpg", "image/pjpeg":
		return MediaTypeJPEG
	case MediaTypePNG:
		return MediaTypePNG
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return MediaTypeJPEG
	case ".png":
		return MediaTypePNG
	default:
		return ""
	}
}

// CheckInvariants reports the first violated state/payload invariant.
func (j Job) CheckInvariants() error {
	switch j.State {
	case JobStatePending, JobStateRunning:
		if j.Result != nil || j.Error != "" {
			return fmt.Errorf("job %s is %s but carries a result or error", j.ID, j.State)
		}
	case JobStateSucceeded:
		if j.Result == nil {
			return fmt.Errorf("job %s succeeded without a result", j.ID)
		}
		if j.Error != "" {
			return fmt.Errorf("job %s succeeded with error %q", j.ID, j.Error)
		}
	case JobStateFailed:
		if j.Error == "" {
			return fmt.Errorf("job %s failed without an error", j.ID)
		}
		if j.Result != nil {
			return fmt.Errorf("job %s failed with a result", j.ID)
		}
	default:
		return fmt.Errorf("job %s has unknown state %q", j.ID, j.State)
	}
	return nil
}
