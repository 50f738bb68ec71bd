package mirror

import (
	"sort"
	"unicode/utf16"
)

// EntityKind identifies one rich-text entity variant.
type EntityKind string

const (
	EntityKindURL         EntityKind = "url"
	EntityKindTextURL     EntityKind = "text_url"
	EntityKindBold        EntityKind = "bold"
	EntityKindItalic      EntityKind = "italic"
	EntityKindUnderline   EntityKind = "underline"
	EntityKindStrike      EntityKind = "strike"
	EntityKindCode        EntityKind = "code"
	EntityKindPre         EntityKind = "pre"
	EntityKindBlockquote  EntityKind = "blockquote"
	EntityKindCustomEmoji EntityKind = "custom_emoji"
)

// TextEntity marks a formatted range of message text.
//
// Offset and Length count UTF-16 code units, matching Telegram.
type TextEntity struct {
	Kind   EntityKind `json:"type"`
	Offset int        `json:"offset"`
	Length int        `json:"length"`
	// URL is set for EntityKindTextURL.
	URL string `json:"url,omitempty"`
	// Language is set for EntityKindPre.
	Language string `json:"language,omitempty"`
}

// Markdown returns the markdown replacement for text covered by the entity.
// The flag is false for kinds without a markdown form.
func (e TextEntity) Markdown(text string) (string, bool) {
	switch e.Kind {
	case EntityKindURL:
		return "[" + text + "](" + text + ")", true
	case EntityKindTextURL:
		return "[" + text + "](" + e.URL + ")", true
	case EntityKindBold:
		return "**" + text + "**", true
	case EntityKindItalic:
		return "*" + text + "*", true
	case EntityKindUnderline:
		return "__" + text + "__", true
	case EntityKindStrike:
		return "~~" + text + "~~", true
	case EntityKindCode:
		return "`" + text + "`", true
	case EntityKindPre:
		return "```" + e.Language + "\n" + text + "```", true
	case EntityKindBlockquote:
		return "> " + text + "\n", true
	default:
		return "", false
	}
}

// RenderMarkdown splices entity markup into text in one pass.
//
// Entities are applied from the highest offset down so earlier offsets stay
// valid. An entity overlapping a range that was already replaced is skipped,
// and at equal offsets the longer entity wins.
func RenderMarkdown(text string, entities []TextEntity) string {
	if len(entities) == 0 || text == "" {
		return text
	}

	ordered := append([]TextEntity(nil), entities...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Offset != ordered[j].Offset {
			return ordered[i].Offset > ordered[j].Offset
		}
		return ordered[i].Length > ordered[j].Length
	})

	units := utf16.Encode([]rune(text))
	boundary := len(units)
	for _, entity := range ordered {
		start := entity.Offset
		end := entity.Offset + entity.Length
		if entity.Length <= 0 || start < 0 || end > boundary {
			continue
		}

		replacement, ok := entity.Markdown(string(utf16.Decode(units[start:end])))
		if !ok {
			continue
		}
		encoded := utf16.Encode([]rune(replacement))

		spliced := make([]uint16, 0, len(units)-entity.Length+len(encoded))
		spliced = append(spliced, units[:start]...)
		spliced = append(spliced, encoded...)
		spliced = append(spliced, units[end:]...)
		units = spliced
		boundary = start
	}

	return string(utf16.Decode(units))
}
