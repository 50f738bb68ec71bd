package mirror

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxContentBytes caps the uncompressed size of one record's content.
const MaxContentBytes = 1_000_000

// RecordID is the stable message identifier assigned by the remote channel.
type RecordID int64

// Validate reports ErrInvalidID for non-positive ids.
func (id RecordID) Validate() error {
	if id <= 0 {
		return fmt.Errorf("record id %d: %w", id, ErrInvalidID)
	}

	return nil
}

// Record is one mirrored message as stored locally.
type Record struct {
	// ID is the remote message id and the sole identity key.
	ID RecordID `json:"message_id"`
	// Content is the decompressed JSON-encoded Content payload.
	Content json.RawMessage `json:"content"`
	// CreatedAt is the message creation time in epoch milliseconds.
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the last content change in epoch milliseconds.
	UpdatedAt int64 `json:"updated_at"`
	// LastSyncedAt is when the record was last confirmed remotely, in epoch seconds.
	LastSyncedAt int64 `json:"last_updated_at"`
}

// Content is the structured payload of one mirrored message.
type Content struct {
	// Text is the message body rendered to markdown.
	Text string `json:"text"`
	// Image is a data URI for the attached photo, or empty.
	Image string `json:"image"`
	// Entities are the formatting ranges of the original message text.
	Entities []TextEntity `json:"entities,omitempty"`
	// CreateDate is the remote creation time in unix seconds.
	CreateDate int64 `json:"createDate"`
	// EditedDate is the remote edit time in unix seconds, zero when never edited.
	EditedDate int64 `json:"editedDate,omitempty"`
}

// Encode serializes content after validating it.
func (c Content) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	if len(data) > MaxContentBytes {
		return nil, fmt.Errorf("encode content: %d bytes exceeds %d: %w", len(data), MaxContentBytes, ErrInvalidContent)
	}

	return data, nil
}

// Validate checks the invariants every stored content must satisfy: a post
// carries visible text or an image, and a positive createDate.
func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" && c.Image == "" {
		return fmt.Errorf("validate content: blank text and no image: %w", ErrInvalidContent)
	}
	if c.CreateDate <= 0 {
		return fmt.Errorf("validate content: missing createDate: %w", ErrInvalidContent)
	}
	if c.EditedDate < 0 {
		return fmt.Errorf("validate content: negative editedDate: %w", ErrInvalidContent)
	}

	return nil
}

// Timestamps derives createdAt and updatedAt in epoch milliseconds.
//
// updatedAt never precedes createdAt, even when the remote edit date does.
func (c Content) Timestamps() (createdAt int64, updatedAt int64) {
	createdAt = c.CreateDate * 1000
	updatedAt = createdAt
	if edited := c.EditedDate * 1000; edited > updatedAt {
		updatedAt = edited
	}

	return createdAt, updatedAt
}

// DecodeContent parses and validates raw content bytes.
func DecodeContent(raw []byte) (Content, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return Content{}, fmt.Errorf("decode content: empty: %w", ErrInvalidContent)
	}
	if len(raw) > MaxContentBytes {
		return Content{}, fmt.Errorf("decode content: %d bytes exceeds %d: %w", len(raw), MaxContentBytes, ErrInvalidContent)
	}

	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode content: %v: %w", err, ErrInvalidContent)
	}
	if err := content.Validate(); err != nil {
		return Content{}, err
	}

	return content, nil
}

// RawRecord is one message as delivered by the remote source.
type RawRecord struct {
	ID      RecordID
	Content Content
}

// Page is one fixed-size slice of stored records, newest first.
type Page struct {
	Data  []Record `json:"data"`
	Pages int      `json:"pages"`
}

// Profile is the cached channel profile served by the read API.
type Profile struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Photo       string `json:"photo"`
}
