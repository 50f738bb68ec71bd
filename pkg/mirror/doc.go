// Package mirror defines the neutral contracts shared by the channel mirror:
// record and content shapes, rich-text entities, live mutation events, the
// remote source interfaces, and the sentinel errors every layer wraps.
//
// Nothing in this package performs I/O. Storage lives in internal/store and the
// Telegram-backed source lives in internal/driver/telegram.
package mirror
