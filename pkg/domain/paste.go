package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Format is the closed set of paste body formats. The discriminant strings
// ("text", "html", "log") are part of the stored row contract.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatAnsi Format = "log"
)

func ParseFormat(s string) Format {
	switch s {
	case "log":
		return FormatAnsi
	case "html":
		return FormatHTML
	default:
		return FormatText
	}
}

// Ext returns the object key extension for the format.
func (f Format) Ext() string {
	switch f {
	case FormatAnsi:
		return "log"
	case FormatHTML:
		return "html"
	default:
		return "txt"
	}
}

// ContentType returns the MIME type the blob is served with.
func (f Format) ContentType() string {
	if f == FormatHTML {
		return "text/html"
	}
	return "text/plain"
}

// Destination selects where the paste body is stored.
type Destination string

const (
	DestDataStore Destination = "datastore"
	DestDrive     Destination = "gdrive"
)

// Paste is one row of the metadata store. The body itself lives in the
// object store (or the alternate backend) under StorageKey.
type Paste struct {
	ID         string          `json:"paste_id"`
	UserID     string          `json:"user_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Title      string          `json:"title,omitempty"`
	Tags       []string        `json:"tags"`
	Format     Format          `json:"format"`
	Date       time.Time       `json:"date"`
	AltID      string          `json:"alt_id,omitempty"`
	AltURL     string          `json:"alt_url,omitempty"`
	StorageKey string          `json:"storage_key"`
	ByteLen    int64           `json:"storage_byte_len"`
	BotScore   decimal.Decimal `json:"bot_score"`
	Views      int64           `json:"views"`
	LastSeen   time.Time       `json:"last_seen"`
}

// Summary is the search-result projection of a paste.
type Summary struct {
	ID     string    `json:"paste_id"`
	Title  string    `json:"title,omitempty"`
	Tags   []string  `json:"tags"`
	Format Format    `json:"format"`
	Date   time.Time `json:"date"`
	Views  int64     `json:"views"`
}

// CreateParams carries a validated submission into the engine.
type CreateParams struct {
	Content     []byte
	Title       string
	Tags        string
	Format      Format
	Destination Destination
	BotScore    float64
	UserID      string
	SessionID   string
	DriveToken  string
}

// Alt reports whether the body lives in the alternate backend.
func (p *Paste) Alt() bool {
	return p.AltURL != ""
}

// OwnedBy reports whether the requester may delete or edit the paste:
// the authenticated owner, or for anonymous pastes the creating session.
func (p *Paste) OwnedBy(userID, sessionID string) bool {
	if p.UserID != "" && userID != "" && p.UserID == userID {
		return true
	}
	if p.UserID == "" && p.SessionID != "" && sessionID != "" && p.SessionID == sessionID {
		return true
	}
	return false
}

// DisplayTitle falls back to the paste id when no title was given.
func (p *Paste) DisplayTitle() string {
	if p.Title == "" {
		return p.ID
	}
	return p.Title
}

// ContentURL is where clients fetch the body: the public bucket URL for
// datastore pastes, the proxied route for alternate-backend pastes.
func (p *Paste) ContentURL(bucketURL string) string {
	if p.Alt() {
		return "/pastes/" + p.ID + "/content"
	}
	return bucketURL + p.StorageKey
}
