// Package card renders notification requests into Feishu interactive cards.
//
// Rendering is pure: no network, no clock, no randomness. The same Request
// always yields byte-identical JSON.
package card
