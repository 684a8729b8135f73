// Package tgui holds the Telegram presentation helpers used by the Telegram
// transport: HTML escaping of the shared block markup, callback data packing
// and a small inline keyboard builder.
package tgui
