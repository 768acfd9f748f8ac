// Package events turns dispatch-monitor producer events into submissions.
package events

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

// Tone is raised when a department's tone set is detected. It goes out as a
// push notification to the department's routing group.
type Tone struct {
	Department string
	Group      string // routing group; defaults to the lowercased department
	Priority   int
	At         time.Time
}

func (e Tone) Submission() (delivery.Submission, error) {
	if strings.TrimSpace(e.Department) == "" {
		return delivery.Submission{}, fmt.Errorf("%w: tone event needs a department", delivery.ErrInvalidTask)
	}
	group := e.Group
	if group == "" {
		group = strings.ToLower(strings.TrimSpace(e.Department))
	}
	return delivery.Submission{
		Channel:     delivery.ChannelPush,
		Destination: group,
		Payload: delivery.Payload{
			Title:     fmt.Sprintf("%s Tone", e.Department),
			Message:   fmt.Sprintf("%s toned out at %s", e.Department, stamp(e.At)),
			Timestamp: e.At,
			Priority:  clampPriority(e.Priority),
			Attributes: map[string]string{
				"event":      "tone",
				"department": e.Department,
			},
		},
	}, nil
}

// Audio is raised when the recording for a tone is written. The webhook
// receiver gets a link to the file under BaseAudioURL.
type Audio struct {
	Department   string
	File         string
	BaseAudioURL string
	WebhookURL   string
	At           time.Time
}

func (e Audio) Submission() (delivery.Submission, error) {
	link, name, err := audioLink(e.BaseAudioURL, e.File)
	if err != nil {
		return delivery.Submission{}, err
	}
	if e.WebhookURL == "" {
		return delivery.Submission{}, fmt.Errorf("%w: audio event needs a webhook url", delivery.ErrInvalidTask)
	}
	return delivery.Submission{
		Channel:     delivery.ChannelWebhook,
		Destination: e.WebhookURL,
		Payload: delivery.Payload{
			Title:     e.Department,
			Message:   link,
			Timestamp: e.At,
			Attributes: map[string]string{
				"event":     "audio",
				"topic":     e.Department,
				"url":       link,
				"url_title": name,
			},
		},
	}, nil
}

// Transcribed carries the text for a recording once transcription finishes.
type Transcribed struct {
	Department    string
	File          string
	BaseAudioURL  string
	Transcription string
	WebhookURL    string
	At            time.Time
}

func (e Transcribed) Submission() (delivery.Submission, error) {
	link, name, err := audioLink(e.BaseAudioURL, e.File)
	if err != nil {
		return delivery.Submission{}, err
	}
	if e.WebhookURL == "" {
		return delivery.Submission{}, fmt.Errorf("%w: transcribed event needs a webhook url", delivery.ErrInvalidTask)
	}
	text := strings.TrimSpace(e.Transcription)
	if text == "" {
		text = "(no speech detected)"
	}
	return delivery.Submission{
		Channel:     delivery.ChannelWebhook,
		Destination: e.WebhookURL,
		Payload: delivery.Payload{
			Title:     fmt.Sprintf("%s Audio Transcribed", e.Department),
			Message:   text,
			Timestamp: e.At,
			Attributes: map[string]string{
				"event":     "transcribed",
				"topic":     e.Department,
				"url":       link,
				"url_title": name,
			},
		},
	}, nil
}

// Backup uploads a local archive to the FTP server. Remote names follow
// TTD_Backup_YYYYMMDD_HHMMSS.zip under RemoteDir.
type Backup struct {
	Archive   string // local file
	RemoteDir string
	At        time.Time
}

func (e Backup) Submission() (delivery.Submission, error) {
	if strings.TrimSpace(e.Archive) == "" {
		return delivery.Submission{}, fmt.Errorf("%w: backup event needs an archive path", delivery.ErrInvalidTask)
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	name := "TTD_Backup_" + at.Format("20060102_150405") + ".zip"
	remote := path.Join("/", e.RemoteDir, name)
	return delivery.Submission{
		Channel:     delivery.ChannelFTP,
		Destination: remote,
		Payload: delivery.Payload{
			Title:       "TTD Backup",
			Message:     fmt.Sprintf("Upload %s as %s", path.Base(e.Archive), remote),
			SourcePath:  e.Archive,
			ContentType: "application/zip",
			Timestamp:   at,
			Attributes: map[string]string{
				"event": "backup",
			},
		},
	}, nil
}

func audioLink(base, file string) (string, string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(file), `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return "", "", fmt.Errorf("%w: audio file name is empty", delivery.ErrInvalidTask)
	}
	if base == "" {
		return name, name, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", "", fmt.Errorf("%w: base audio url: %v", delivery.ErrInvalidTask, err)
	}
	return u.JoinPath(name).String(), name, nil
}

func clampPriority(p int) int {
	return max(-2, min(2, p))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "unknown time"
	}
	return t.Format("15:04:05")
}
